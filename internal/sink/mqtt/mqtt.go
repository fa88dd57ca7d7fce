// Package mqtt publishes congestion metrics to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
)

// DefaultTopic is expanded per publish; {camera_id} and {metric} are
// substituted.
const DefaultTopic = "traffic/{camera_id}/metrics/{metric}"

// Config holds MQTT sink configuration
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string // generated when empty
	Username string
	Password string
	Topic    string
	CameraID string
	QoS      byte
	Retain   bool
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration
}

// Message is the JSON payload of one metric
type Message struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	CameraID  string  `json:"camera_id"`
	Timestamp string  `json:"timestamp"`
}

// Sink implements publisher.Sink over a paho client
type Sink struct {
	client paho.Client
	cfg    Config
	now    func() time.Time
	log    logger.ModuleLogger
}

// New connects to the broker. The client reconnects on its own after the
// first successful connection.
func New(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "congestion-" + uuid.NewString()[:8]
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.CameraID == "" {
		cfg.CameraID = "default"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	log := logger.For("MQTTSink")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info("Connected to broker %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("Connection lost: %v", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %v", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	return &Sink{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		log:    log,
	}, nil
}

// TopicFor returns the topic a metric is published on
func (s *Sink) TopicFor(metric string) string {
	return strings.NewReplacer("{camera_id}", s.cfg.CameraID, "{metric}", metric).Replace(s.cfg.Topic)
}

// Publish sends one metric and waits for the broker acknowledgement until
// ctx ends.
func (s *Sink) Publish(ctx context.Context, name string, value float64, unit string) error {
	payload, err := json.Marshal(Message{
		Metric:    name,
		Value:     value,
		Unit:      unit,
		CameraID:  s.cfg.CameraID,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	topic := s.TopicFor(name)
	token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}

	s.log.Debug("Published %s to %s", payload, topic)
	return nil
}

// Close disconnects, allowing in-flight messages 250ms to drain
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
