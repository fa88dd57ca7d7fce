package aggregator

import (
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
)

// Config is fixed at construction
type Config struct {
	// VehicleClasses are the detector labels counted as vehicles
	VehicleClasses []string
	// ConfidenceThreshold is the inclusive minimum detection confidence
	ConfidenceThreshold float64
	// Interval is both the sampling window and the driver period
	Interval time.Duration
	// WindowSize is the number of intervals used for smoothing
	WindowSize int
	// Thresholds are used as given; the zero value classifies every
	// interval as HIGH
	Thresholds congestion.Thresholds

	// FramesPerInterval overrides ceil(Interval * frame rate) when > 0
	FramesPerInterval int
	// DefaultFrameRate is used when the source does not know its rate
	DefaultFrameRate float64
	// MaxConsecutiveRestarts bounds end-of-stream restarts within one
	// interval so an empty source cannot spin forever
	MaxConsecutiveRestarts int
}

// DefaultVehicleClasses are the COCO labels counted as traffic
var DefaultVehicleClasses = []string{"car", "truck", "bus", "motorcycle"}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return Config{
		VehicleClasses:         append([]string(nil), DefaultVehicleClasses...),
		ConfidenceThreshold:    0.5,
		Interval:               5 * time.Second,
		WindowSize:             congestion.DefaultWindowSize,
		Thresholds:             congestion.DefaultThresholds(),
		DefaultFrameRate:       30,
		MaxConsecutiveRestarts: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.DefaultFrameRate <= 0 {
		c.DefaultFrameRate = d.DefaultFrameRate
	}
	if c.MaxConsecutiveRestarts <= 0 {
		c.MaxConsecutiveRestarts = d.MaxConsecutiveRestarts
	}
}
