// Package aggregator runs detection intervals: it samples frames, counts
// vehicles, smooths the per-interval levels and installs a new snapshot.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/detector"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/metrics"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/source"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// State is the health of an aggregator
type State int32

const (
	StateReady State = iota
	// StateDegradedInit: a dependency was missing at construction. Every
	// interval is skipped until the process restarts.
	StateDegradedInit
	// StateDegradedRuntime: an interval failed. Later intervals still run
	// and may install normal snapshots; the state itself is not reset.
	StateDegradedRuntime
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateDegradedInit:
		return "DEGRADED_INIT"
	case StateDegradedRuntime:
		return "DEGRADED_RUNTIME"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome is what one RunInterval call did
type Outcome int

const (
	OutcomeInstalled Outcome = iota // new snapshot installed
	OutcomeStarved                  // no frames; snapshot untouched
	OutcomeFailed                   // ERROR_RUNTIME snapshot installed
	OutcomeSkipped                  // degraded at init; nothing done
	OutcomeCancelled                // context ended mid-interval; snapshot untouched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstalled:
		return "installed"
	case OutcomeStarved:
		return "starved"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Option customizes an Aggregator
type Option func(*Aggregator)

// WithMetrics shares a metrics instance with the rest of the process
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock replaces time.Now for snapshot timestamps
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithInitError marks the aggregator degraded at init with the given cause
func WithInitError(err error) Option {
	return func(a *Aggregator) { a.initErr = err }
}

// Aggregator owns the smoothing window and is driven by one goroutine.
// State, LastError and FramesPerInterval are safe to read concurrently.
type Aggregator struct {
	cfg     Config
	src     source.FrameSource
	det     detector.Detector
	store   *status.Store
	metrics *metrics.Metrics
	now     func() time.Time
	log     logger.ModuleLogger

	allow             map[string]struct{}
	framesPerInterval int
	window            *congestion.Window
	trend             congestion.Trend

	state   atomic.Int32
	initErr error
	lastErr atomic.Pointer[string]
}

// New builds an aggregator. A nil source or detector, or a WithInitError
// option, leaves it in StateDegradedInit with an ERROR snapshot installed.
func New(cfg Config, src source.FrameSource, det detector.Detector, store *status.Store, opts ...Option) *Aggregator {
	cfg.applyDefaults()

	a := &Aggregator{
		cfg:    cfg,
		src:    src,
		det:    det,
		store:  store,
		now:    time.Now,
		log:    logger.For("Aggregator"),
		allow:  make(map[string]struct{}, len(cfg.VehicleClasses)),
		window: congestion.NewWindow(cfg.WindowSize),
		trend:  congestion.TrendStable,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	for _, c := range cfg.VehicleClasses {
		a.allow[c] = struct{}{}
	}

	switch {
	case a.initErr != nil:
	case src == nil:
		a.initErr = errors.New("frame source unavailable")
	case det == nil:
		a.initErr = errors.New("detector unavailable")
	}
	if a.initErr != nil {
		a.state.Store(int32(StateDegradedInit))
		a.setLastErr(a.initErr)
		a.store.Install(status.NewError(a.now()))
		a.log.Error("Initialization failed, intervals disabled: %v", a.initErr)
		return a
	}

	a.framesPerInterval = framesPerInterval(cfg, src.FrameRate())
	a.log.Info("Initialized | FPS: %.2f | Frames per interval: %d | Window: %d",
		effectiveRate(cfg, src.FrameRate()), a.framesPerInterval, a.window.Cap())
	return a
}

func effectiveRate(cfg Config, fps float64) float64 {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return cfg.DefaultFrameRate
	}
	return fps
}

// framesPerInterval is ceil(interval * fps), at least 1. The epsilon keeps
// products like 0.1s * 30fps from rounding up past an exact integer.
func framesPerInterval(cfg Config, fps float64) int {
	if cfg.FramesPerInterval > 0 {
		return cfg.FramesPerInterval
	}
	n := int(math.Ceil(cfg.Interval.Seconds()*effectiveRate(cfg, fps) - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// State returns the current health
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

// LastError returns the most recent initialization or interval error
func (a *Aggregator) LastError() string {
	if p := a.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

func (a *Aggregator) setLastErr(err error) {
	msg := err.Error()
	a.lastErr.Store(&msg)
}

// FramesPerInterval is the number of frames each interval tries to obtain
func (a *Aggregator) FramesPerInterval() int {
	return a.framesPerInterval
}

// Store returns the snapshot store this aggregator writes to
func (a *Aggregator) Store() *status.Store {
	return a.store
}

// RunInterval executes one interval. It never panics and never returns an
// error; failures are encoded in the installed snapshot.
func (a *Aggregator) RunInterval(ctx context.Context) (outcome Outcome) {
	if a.State() == StateDegradedInit {
		a.metrics.IntervalsSkipped.Add(1)
		a.log.Warn("Skipping interval due to initialization error")
		return OutcomeSkipped
	}

	start := time.Now()
	defer func() {
		a.metrics.ObserveInterval(time.Since(start))
	}()
	defer func() {
		if r := recover(); r != nil {
			a.log.Debug("Recovered panic stack:\n%s", debug.Stack())
			a.fail(fmt.Errorf("panic during interval: %v", r))
			outcome = OutcomeFailed
		}
	}()

	counts, err := a.collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			a.log.Info("Interval cancelled: %v", ctx.Err())
			return OutcomeCancelled
		}
		a.fail(err)
		return OutcomeFailed
	}

	if len(counts) == 0 {
		a.metrics.IntervalsStarved.Add(1)
		a.log.Warn("No frames processed in this interval")
		return OutcomeStarved
	}

	snap, window, trend := a.apply(counts)
	a.store.Install(snap)
	a.window, a.trend = window, trend
	a.metrics.IntervalsCompleted.Add(1)
	a.log.Info("Detection: %s | Avg: %d | Trend: %s | Frames: %d",
		snap.Congestion, snap.AvgCount, snap.Trend, len(counts))
	return OutcomeInstalled
}

// collect pulls up to framesPerInterval frames and returns their vehicle
// counts. End of stream restarts the source without using up a slot;
// more than MaxConsecutiveRestarts restarts in a row end the interval
// with whatever was collected.
func (a *Aggregator) collect(ctx context.Context) ([]int, error) {
	counts := make([]int, 0, a.framesPerInterval)
	restarts := 0

	for len(counts) < a.framesPerInterval {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := a.src.NextFrame(ctx)
		if errors.Is(err, source.ErrEndOfStream) {
			restarts++
			if restarts > a.cfg.MaxConsecutiveRestarts {
				a.log.Warn("Source still empty after %d restarts, ending interval with %d/%d frames",
					a.cfg.MaxConsecutiveRestarts, len(counts), a.framesPerInterval)
				break
			}
			a.log.Info("Restarting frame source")
			a.metrics.SourceRestarts.Add(1)
			if err := a.src.Restart(); err != nil {
				return nil, fmt.Errorf("restart source: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("next frame: %w", err)
		}
		restarts = 0
		a.metrics.FramesRead.Add(1)

		n, err := a.countVehicles(ctx, frame)
		if err != nil {
			return nil, err
		}
		counts = append(counts, n)
	}
	return counts, nil
}

func (a *Aggregator) countVehicles(ctx context.Context, frame *types.Frame) (int, error) {
	start := time.Now()
	detections, err := a.det.Detect(ctx, frame)
	a.metrics.ObserveDetect(time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("detect frame %d: %w", frame.FrameNum, err)
	}

	n := 0
	for _, d := range detections {
		if _, ok := a.allow[d.Label]; ok && d.Confidence >= a.cfg.ConfidenceThreshold {
			n++
		}
	}
	a.metrics.VehiclesCounted.Add(uint64(n))
	return n, nil
}

// apply folds one interval into a copy of the window and builds the next
// snapshot. The caller commits the returned window and trend only once the
// snapshot is installed, so a failed interval leaves no trace in them.
func (a *Aggregator) apply(counts []int) (*status.Snapshot, *congestion.Window, congestion.Trend) {
	avg := congestion.RoundMean(counts)
	level := a.cfg.Thresholds.Classify(avg)

	window := a.window.Clone()
	window.Push(level, avg)
	trend := congestion.DetectTrend(window.Averages(), a.trend)

	snap := &status.Snapshot{
		Congestion:    status.FromLevel(window.Dominant()),
		Trend:         trend,
		AvgCount:      avg,
		Timestamp:     a.stamp(),
		WindowHistory: window.Levels(),
	}
	return snap, window, trend
}

// stamp returns now, nudged forward if the clock has not advanced past the
// current snapshot
func (a *Aggregator) stamp() time.Time {
	ts := a.now()
	if prev := a.store.Load(); prev != nil && !ts.After(prev.Timestamp) {
		ts = prev.Timestamp.Add(time.Nanosecond)
	}
	return ts
}

func (a *Aggregator) fail(err error) {
	a.state.Store(int32(StateDegradedRuntime))
	a.setLastErr(err)
	a.metrics.IntervalsFailed.Add(1)
	a.store.Install(a.store.Load().WithCongestion(status.CongestionErrorRuntime, a.stamp()))
	a.log.Error("Error during detection: %v", err)
}

// Close releases the frame source
func (a *Aggregator) Close() error {
	if a.src == nil {
		return nil
	}
	return a.src.Close()
}
