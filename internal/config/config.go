// Package config loads server settings from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/aggregator"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
)

// ErrInvalid wraps every configuration problem
var ErrInvalid = errors.New("invalid configuration")

// Source types
const (
	SourceDir = "dir"
	SourceShm = "shm"
)

// Config holds every server setting
type Config struct {
	// Aggregation
	VehicleClasses         []string
	ConfidenceThreshold    float64
	Interval               time.Duration
	WindowSize             int
	HighThreshold          int
	ModerateThreshold      int
	FramesPerInterval      int
	MaxConsecutiveRestarts int

	// Frame source
	SourceType     string
	FrameDir       string
	FrameRate      float64
	ShmName        string
	ShmWaitTimeout time.Duration

	// Detector
	DetectorURL       string
	DetectorHealthURL string
	DetectorTimeout   time.Duration
	DetectorMaxWidth  int

	// Serving
	HTTPAddr       string
	MetricsAddr    string
	CORSOrigin     string
	StreamInterval time.Duration
	EnableWebRTC   bool

	// Sinks
	CameraID            string
	SinkTimeout         time.Duration
	CloudWatchEnabled   bool
	CloudWatchNamespace string
	AWSRegion           string
	MQTTBroker          string
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	MQTTTopic           string
	MQTTQoS             int
	ClickHouseAddr      string
	ClickHouseDB        string
	ClickHouseUser      string
	ClickHousePass      string

	// Logging
	LogLevel string
	LogColor bool
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	agg := aggregator.DefaultConfig()
	return Config{
		VehicleClasses:         agg.VehicleClasses,
		ConfidenceThreshold:    agg.ConfidenceThreshold,
		Interval:               agg.Interval,
		WindowSize:             agg.WindowSize,
		HighThreshold:          agg.Thresholds.High,
		ModerateThreshold:      agg.Thresholds.Moderate,
		MaxConsecutiveRestarts: agg.MaxConsecutiveRestarts,

		SourceType:     SourceDir,
		FrameDir:       "./frames",
		ShmName:        "/pet_camera_stream",
		ShmWaitTimeout: 2 * time.Second,

		DetectorURL:      "http://localhost:8080/detect",
		DetectorTimeout:  10 * time.Second,
		DetectorMaxWidth: 1280,

		HTTPAddr:       ":8000",
		MetricsAddr:    ":9090",
		CORSOrigin:     "*",
		StreamInterval: 500 * time.Millisecond,
		EnableWebRTC:   true,

		CameraID:            "default",
		SinkTimeout:         5 * time.Second,
		CloudWatchNamespace: "TrafficAI",
		AWSRegion:           "ap-south-1",
		MQTTTopic:           "traffic/{camera_id}/metrics/{metric}",
		MQTTQoS:             1,
		ClickHouseAddr:      "",
		ClickHouseDB:        "default",
		ClickHouseUser:      "default",

		LogLevel: "info",
		LogColor: true,
	}
}

// Load reads the given .env files (or ./.env when none are given; missing
// files are ignored), then overlays environment variables on the
// defaults. The result is validated.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: load %s: %v", ErrInvalid, f, err)
		}
	}
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	}

	e := &envReader{}
	d := DefaultConfig()
	cfg := Config{
		VehicleClasses:         e.list("CONGESTION_VEHICLE_CLASSES", d.VehicleClasses),
		ConfidenceThreshold:    e.float("CONGESTION_CONFIDENCE", d.ConfidenceThreshold),
		Interval:               e.duration("CONGESTION_INTERVAL", d.Interval),
		WindowSize:             e.int("CONGESTION_WINDOW", d.WindowSize),
		HighThreshold:          e.int("CONGESTION_HIGH_THRESHOLD", d.HighThreshold),
		ModerateThreshold:      e.int("CONGESTION_MODERATE_THRESHOLD", d.ModerateThreshold),
		FramesPerInterval:      e.int("CONGESTION_FRAMES_PER_INTERVAL", d.FramesPerInterval),
		MaxConsecutiveRestarts: e.int("CONGESTION_MAX_RESTARTS", d.MaxConsecutiveRestarts),

		SourceType:     e.str("CONGESTION_SOURCE", d.SourceType),
		FrameDir:       e.str("CONGESTION_FRAME_DIR", d.FrameDir),
		FrameRate:      e.float("CONGESTION_FRAME_RATE", d.FrameRate),
		ShmName:        e.str("CONGESTION_SHM_NAME", d.ShmName),
		ShmWaitTimeout: e.duration("CONGESTION_SHM_WAIT_TIMEOUT", d.ShmWaitTimeout),

		DetectorURL:       e.str("DETECTOR_URL", d.DetectorURL),
		DetectorHealthURL: e.str("DETECTOR_HEALTH_URL", d.DetectorHealthURL),
		DetectorTimeout:   e.duration("DETECTOR_TIMEOUT", d.DetectorTimeout),
		DetectorMaxWidth:  e.int("DETECTOR_MAX_WIDTH", d.DetectorMaxWidth),

		HTTPAddr:       e.str("CONGESTION_HTTP_ADDR", d.HTTPAddr),
		MetricsAddr:    e.str("CONGESTION_METRICS_ADDR", d.MetricsAddr),
		CORSOrigin:     e.str("CONGESTION_CORS_ORIGIN", d.CORSOrigin),
		StreamInterval: e.duration("CONGESTION_STREAM_INTERVAL", d.StreamInterval),
		EnableWebRTC:   e.bool("CONGESTION_WEBRTC", d.EnableWebRTC),

		CameraID:            e.str("CONGESTION_CAMERA_ID", d.CameraID),
		SinkTimeout:         e.duration("CONGESTION_SINK_TIMEOUT", d.SinkTimeout),
		CloudWatchEnabled:   e.bool("CLOUDWATCH_ENABLED", d.CloudWatchEnabled),
		CloudWatchNamespace: e.str("CLOUDWATCH_NAMESPACE", d.CloudWatchNamespace),
		AWSRegion:           e.str("AWS_REGION", d.AWSRegion),
		MQTTBroker:          e.str("MQTT_BROKER", d.MQTTBroker),
		MQTTClientID:        e.str("MQTT_CLIENT_ID", d.MQTTClientID),
		MQTTUsername:        e.str("MQTT_USERNAME", d.MQTTUsername),
		MQTTPassword:        e.str("MQTT_PASSWORD", d.MQTTPassword),
		MQTTTopic:           e.str("MQTT_TOPIC", d.MQTTTopic),
		MQTTQoS:             e.int("MQTT_QOS", d.MQTTQoS),
		ClickHouseAddr:      e.str("CLICKHOUSE_ADDR", d.ClickHouseAddr),
		ClickHouseDB:        e.str("CLICKHOUSE_DB", d.ClickHouseDB),
		ClickHouseUser:      e.str("CLICKHOUSE_USER", d.ClickHouseUser),
		ClickHousePass:      e.str("CLICKHOUSE_PASS", d.ClickHousePass),

		LogLevel: e.str("LOG_LEVEL", d.LogLevel),
		LogColor: e.bool("LOG_COLOR", d.LogColor),
	}

	if err := errors.Join(append(e.errs, cfg.Validate())...); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem at once
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.VehicleClasses) == 0 {
		bad("vehicle class allowlist is empty")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		bad("confidence threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.Interval <= 0 {
		bad("interval must be positive, got %v", c.Interval)
	}
	if c.WindowSize <= 0 {
		bad("window size must be positive, got %d", c.WindowSize)
	}
	if err := c.Thresholds().Validate(); err != nil {
		bad("%v", err)
	}
	if c.FramesPerInterval < 0 {
		bad("frames per interval must not be negative")
	}
	switch c.SourceType {
	case SourceDir:
		if c.FrameDir == "" {
			bad("frame directory is required for the dir source")
		}
	case SourceShm:
		if c.ShmName == "" {
			bad("shared memory name is required for the shm source")
		}
	default:
		bad("unknown source type %q (want %s or %s)", c.SourceType, SourceDir, SourceShm)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		bad("mqtt qos %d outside 0..2", c.MQTTQoS)
	}
	if c.StreamInterval <= 0 {
		bad("stream interval must be positive")
	}
	return errors.Join(errs...)
}

// Thresholds returns the classifier bands
func (c Config) Thresholds() congestion.Thresholds {
	return congestion.Thresholds{High: c.HighThreshold, Moderate: c.ModerateThreshold}
}

// Aggregator returns the aggregator settings
func (c Config) Aggregator() aggregator.Config {
	d := aggregator.DefaultConfig()
	return aggregator.Config{
		VehicleClasses:         append([]string(nil), c.VehicleClasses...),
		ConfidenceThreshold:    c.ConfidenceThreshold,
		Interval:               c.Interval,
		WindowSize:             c.WindowSize,
		Thresholds:             c.Thresholds(),
		FramesPerInterval:      c.FramesPerInterval,
		DefaultFrameRate:       d.DefaultFrameRate,
		MaxConsecutiveRestarts: c.MaxConsecutiveRestarts,
	}
}

// envReader reads typed variables and remembers parse failures
type envReader struct {
	errs []error
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err))
}

func (e *envReader) str(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func (e *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (e *envReader) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (e *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return b
}

// duration accepts Go durations ("5s") or bare seconds ("5")
func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return d
}

// list splits a comma-separated value, dropping blanks
func (e *envReader) list(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
