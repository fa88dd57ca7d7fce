// Package metrics exposes operational counters and the published
// congestion values to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Interval outcomes
	IntervalsCompleted atomic.Uint64
	IntervalsStarved   atomic.Uint64
	IntervalsFailed    atomic.Uint64
	IntervalsSkipped   atomic.Uint64 // skipped while degraded at init

	// Frame pipeline
	FramesRead      atomic.Uint64
	VehiclesCounted atomic.Uint64
	SourceRestarts  atomic.Uint64
	DetectErrors    atomic.Uint64

	// Latency of the most recent observation
	DetectLatencyMs   atomic.Uint64
	IntervalLatencyMs atomic.Uint64

	// Metrics sink
	SinkPublishes atomic.Uint64
	SinkFailures  atomic.Uint64

	// Stream clients (SSE, WebSocket, WebRTC data channel)
	ActiveClients atomic.Int64
	TotalClients  atomic.Uint64

	published *prometheus.GaugeVec
	registry  *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "congestion_published_value",
			Help: "Last value handed to the metrics publisher",
		}, []string{"metric", "unit"}),
	}
	m.registerPrometheusMetrics()
	return m
}

type counter struct {
	name string
	help string
	read func() float64
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	counters := []counter{
		{"congestion_intervals_completed_total", "Intervals that installed a new snapshot", u(&m.IntervalsCompleted)},
		{"congestion_intervals_starved_total", "Intervals that obtained no frames", u(&m.IntervalsStarved)},
		{"congestion_intervals_failed_total", "Intervals aborted by a runtime failure", u(&m.IntervalsFailed)},
		{"congestion_intervals_skipped_total", "Intervals skipped because initialization failed", u(&m.IntervalsSkipped)},
		{"congestion_frames_read_total", "Frames obtained from the frame source", u(&m.FramesRead)},
		{"congestion_vehicles_counted_total", "Detections that matched the vehicle allowlist", u(&m.VehiclesCounted)},
		{"congestion_source_restarts_total", "Frame source restarts after end of stream", u(&m.SourceRestarts)},
		{"congestion_detect_errors_total", "Detector calls that returned an error", u(&m.DetectErrors)},
		{"congestion_detect_latency_ms", "Latency of the last detector call in milliseconds", u(&m.DetectLatencyMs)},
		{"congestion_interval_latency_ms", "Wall time of the last interval in milliseconds", u(&m.IntervalLatencyMs)},
		{"congestion_sink_publishes_total", "Metric values forwarded to sinks", u(&m.SinkPublishes)},
		{"congestion_sink_failures_total", "Sink publishes that failed", u(&m.SinkFailures)},
		{"congestion_stream_total_clients", "Stream clients connected since start", u(&m.TotalClients)},
		{"congestion_stream_active_clients", "Currently connected stream clients", func() float64 {
			return float64(m.ActiveClients.Load())
		}},
	}

	for _, c := range counters {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: c.name, Help: c.help},
			c.read,
		))
	}
	m.registry.MustRegister(m.published)
}

// ObserveDetect records one detector call
func (m *Metrics) ObserveDetect(d time.Duration, err error) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
	if err != nil {
		m.DetectErrors.Add(1)
	}
}

// ObserveInterval records the wall time of one interval
func (m *Metrics) ObserveInterval(d time.Duration) {
	m.IntervalLatencyMs.Store(uint64(d.Milliseconds()))
}

// ClientConnected and ClientDisconnected track stream subscribers
func (m *Metrics) ClientConnected() {
	m.ActiveClients.Add(1)
	m.TotalClients.Add(1)
}

func (m *Metrics) ClientDisconnected() {
	m.ActiveClients.Add(-1)
}

// Publish records a published value as a labeled gauge. It lets the
// Prometheus endpoint act as one of the publisher's sinks.
func (m *Metrics) Publish(_ context.Context, name string, value float64, unit string) error {
	m.published.WithLabelValues(name, unit).Set(value)
	return nil
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server serving /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
