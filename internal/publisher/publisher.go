// Package publisher forwards each new snapshot to the metrics sinks.
// Sink failures are logged and counted; they never reach the caller.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/metrics"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

// Metric names and units written for every snapshot
const (
	MetricCongestionLevel = "CongestionLevel"
	MetricVehicleCount    = "VehicleCount"

	UnitPercent = "Percent"
	UnitCount   = "Count"
)

// DefaultTimeout bounds a single sink call
const DefaultTimeout = 5 * time.Second

// Sink durably records one named measurement
type Sink interface {
	Publish(ctx context.Context, name string, value float64, unit string) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, name string, value float64, unit string) error

func (f SinkFunc) Publish(ctx context.Context, name string, value float64, unit string) error {
	return f(ctx, name, value, unit)
}

// CongestionValue maps a label onto the 0-100 scale used by dashboards.
// Error and lifecycle labels map to 0.
func CongestionValue(c status.Congestion) float64 {
	switch c {
	case status.CongestionLow:
		return 20
	case status.CongestionModerate:
		return 60
	case status.CongestionHigh:
		return 90
	default:
		return 0
	}
}

type namedSink struct {
	name string
	sink Sink
}

// Publisher fans a snapshot out to every registered sink
type Publisher struct {
	sinks   []namedSink
	timeout time.Duration
	metrics *metrics.Metrics
	log     logger.ModuleLogger
}

// New creates a publisher. A nil m gets a private Metrics.
func New(timeout time.Duration, m *metrics.Metrics) *Publisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Publisher{
		timeout: timeout,
		metrics: m,
		log:     logger.For("Publisher"),
	}
}

// Register adds a sink. Not safe to call once publishing has started.
func (p *Publisher) Register(name string, s Sink) {
	p.sinks = append(p.sinks, namedSink{name: name, sink: s})
	p.log.Info("Registered sink %s", name)
}

// Sinks returns the registered sink names in order
func (p *Publisher) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.name
	}
	return names
}

// Publish sends the congestion value and vehicle count of snap to every
// sink, once each. It returns the number of failed sink calls.
func (p *Publisher) Publish(ctx context.Context, snap *status.Snapshot) int {
	if snap == nil {
		return 0
	}

	values := []struct {
		name  string
		value float64
		unit  string
	}{
		{MetricCongestionLevel, CongestionValue(snap.Congestion), UnitPercent},
		{MetricVehicleCount, float64(snap.AvgCount), UnitCount},
	}

	failures := 0
	for _, s := range p.sinks {
		for _, v := range values {
			if err := p.publishOne(ctx, s, v.name, v.value, v.unit); err != nil {
				failures++
				p.metrics.SinkFailures.Add(1)
				p.log.Warn("Sink %s: publish %s=%v failed: %v", s.name, v.name, v.value, err)
				continue
			}
			p.metrics.SinkPublishes.Add(1)
		}
	}
	return failures
}

func (p *Publisher) publishOne(ctx context.Context, s namedSink, name string, value float64, unit string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.sink.Publish(ctx, name, value, unit)
}
