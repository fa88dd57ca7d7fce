// Package status holds the published congestion snapshot.
//
// A Snapshot is immutable once built. The Store swaps whole snapshots
// through an atomic pointer, so readers never see a partial update and
// never wait on the writer.
package status

import (
	"sync/atomic"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
)

// Congestion is the published congestion label. It widens
// congestion.Level with lifecycle and error states.
type Congestion string

const (
	CongestionLoading      Congestion = "LOADING"
	CongestionLow          Congestion = "LOW"
	CongestionModerate     Congestion = "MODERATE"
	CongestionHigh         Congestion = "HIGH"
	CongestionError        Congestion = "ERROR"
	CongestionErrorRuntime Congestion = "ERROR_RUNTIME"
)

// FromLevel lifts a classifier level into a published label
func FromLevel(l congestion.Level) Congestion {
	switch l {
	case congestion.LevelLow:
		return CongestionLow
	case congestion.LevelModerate:
		return CongestionModerate
	case congestion.LevelHigh:
		return CongestionHigh
	default:
		return CongestionError
	}
}

// IsError reports whether c encodes a failure rather than a reading
func (c Congestion) IsError() bool {
	return c == CongestionError || c == CongestionErrorRuntime
}

// Snapshot is one point-in-time view of the traffic signal.
// Treat as read-only after construction.
type Snapshot struct {
	Congestion    Congestion
	Trend         congestion.Trend
	AvgCount      int
	Timestamp     time.Time
	WindowHistory []congestion.Level // oldest first
}

// NewLoading is the snapshot installed at process start
func NewLoading(now time.Time) *Snapshot {
	return &Snapshot{
		Congestion:    CongestionLoading,
		Trend:         congestion.TrendStable,
		Timestamp:     now,
		WindowHistory: []congestion.Level{},
	}
}

// NewError is the snapshot installed when the aggregator could not start
func NewError(now time.Time) *Snapshot {
	s := NewLoading(now)
	s.Congestion = CongestionError
	return s
}

// WithCongestion returns a copy of s carrying a different label and
// timestamp. Trend, count and history are kept.
func (s *Snapshot) WithCongestion(c Congestion, now time.Time) *Snapshot {
	out := &Snapshot{
		Congestion: c,
		Trend:      s.Trend,
		AvgCount:   s.AvgCount,
		Timestamp:  now,
	}
	out.WindowHistory = append([]congestion.Level{}, s.WindowHistory...)
	return out
}

// Store holds the current snapshot. One writer, any number of readers.
type Store struct {
	current  atomic.Pointer[Snapshot]
	installs atomic.Uint64
}

// NewStore creates a store seeded with initial. A nil initial seeds a
// LOADING snapshot stamped now.
func NewStore(initial *Snapshot) *Store {
	if initial == nil {
		initial = NewLoading(time.Now())
	}
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the most recently installed snapshot. Never blocks.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Install replaces the current snapshot. Nil is ignored so the store
// always holds a valid value.
func (s *Store) Install(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.current.Store(snap)
	s.installs.Add(1)
}

// Installs returns how many snapshots have been installed since start
func (s *Store) Installs() uint64 {
	return s.installs.Load()
}
