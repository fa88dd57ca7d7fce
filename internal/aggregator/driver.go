package aggregator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

// SnapshotPublisher receives every snapshot installed by a successful
// interval. *publisher.Publisher satisfies it.
type SnapshotPublisher interface {
	Publish(ctx context.Context, snap *status.Snapshot) int
}

// Driver runs one interval per period until its context ends. Intervals
// never overlap: a slow interval delays the next one.
type Driver struct {
	agg    *Aggregator
	pub    SnapshotPublisher
	period time.Duration
	log    logger.ModuleLogger

	cycles      atomic.Uint64
	lastOutcome atomic.Int32
}

// NewDriver creates a driver. pub may be nil.
func NewDriver(agg *Aggregator, pub SnapshotPublisher) *Driver {
	d := &Driver{
		agg:    agg,
		pub:    pub,
		period: agg.cfg.Interval,
		log:    logger.For("Driver"),
	}
	d.lastOutcome.Store(-1)
	return d
}

// Run blocks until ctx is done, then closes the frame source. The first
// interval starts immediately.
func (d *Driver) Run(ctx context.Context) error {
	defer func() {
		if err := d.agg.Close(); err != nil {
			d.log.Warn("Closing frame source: %v", err)
		}
	}()

	d.log.Info("Background detection loop started (period=%v)", d.period)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		d.cycle(ctx)

		select {
		case <-ctx.Done():
			d.log.Info("Detection loop stopped after %d cycles", d.cycles.Load())
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) cycle(ctx context.Context) {
	outcome := d.agg.RunInterval(ctx)
	d.cycles.Add(1)
	d.lastOutcome.Store(int32(outcome))

	if outcome != OutcomeInstalled || d.pub == nil {
		return
	}
	if failures := d.pub.Publish(ctx, d.agg.store.Load()); failures > 0 {
		d.log.Debug("Publish finished with %d failed sink calls", failures)
	}
}

// Cycles returns how many intervals the driver has run
func (d *Driver) Cycles() uint64 {
	return d.cycles.Load()
}

// LastOutcome returns the outcome of the latest interval, false before the
// first one completes
func (d *Driver) LastOutcome() (Outcome, bool) {
	v := d.lastOutcome.Load()
	if v < 0 {
		return 0, false
	}
	return Outcome(v), true
}
