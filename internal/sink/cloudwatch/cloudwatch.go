// Package cloudwatch publishes congestion metrics to Amazon CloudWatch.
package cloudwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
)

// Defaults matching the existing dashboards
const (
	DefaultNamespace = "TrafficAI"
	DefaultRegion    = "ap-south-1"
)

// PutMetricDataAPI is the slice of the CloudWatch client the sink uses
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Config configures the sink
type Config struct {
	Namespace string
	Region    string
	// CameraID is attached as the Camera dimension when non-empty
	CameraID string
}

// Sink implements publisher.Sink
type Sink struct {
	api PutMetricDataAPI
	cfg Config
	now func() time.Time
	log logger.ModuleLogger
}

// New builds a sink on the default AWS credential chain (env, shared
// config, instance role).
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithAPI(cloudwatch.NewFromConfig(awsCfg), cfg), nil
}

// NewWithAPI builds a sink on an existing client
func NewWithAPI(api PutMetricDataAPI, cfg Config) *Sink {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	return &Sink{
		api: api,
		cfg: cfg,
		now: time.Now,
		log: logger.For("CloudWatch"),
	}
}

// Publish sends one datum. The SDK applies its own retry policy.
func (s *Sink) Publish(ctx context.Context, name string, value float64, unit string) error {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnit(unit),
		Timestamp:  aws.Time(s.now()),
	}
	if s.cfg.CameraID != "" {
		datum.Dimensions = []cwtypes.Dimension{{
			Name:  aws.String("Camera"),
			Value: aws.String(s.cfg.CameraID),
		}}
	}

	_, err := s.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.cfg.Namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		return fmt.Errorf("put metric %s: %w", name, err)
	}
	s.log.Debug("Pushed %s=%v %s to %s", name, value, unit, s.cfg.Namespace)
	return nil
}
