package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
)

var t0 = time.Date(2026, 3, 1, 8, 30, 0, 125000000, time.UTC)

func sample() *Snapshot {
	return &Snapshot{
		Congestion:    CongestionModerate,
		Trend:         congestion.TrendIncreasing,
		AvgCount:      7,
		Timestamp:     t0,
		WindowHistory: []congestion.Level{congestion.LevelLow, congestion.LevelModerate},
	}
}

func TestNewStoreSeedsLoading(t *testing.T) {
	s := NewStore(nil)
	snap := s.Load()
	require.NotNil(t, snap)
	assert.Equal(t, CongestionLoading, snap.Congestion)
	assert.Equal(t, congestion.TrendStable, snap.Trend)
	assert.Empty(t, snap.WindowHistory)
	assert.Zero(t, s.Installs())
}

func TestInstallReplacesWholesale(t *testing.T) {
	s := NewStore(NewLoading(t0))
	first := s.Load()

	next := sample()
	s.Install(next)
	assert.Same(t, next, s.Load())
	assert.Equal(t, CongestionLoading, first.Congestion, "old snapshot must not be mutated")
	assert.Equal(t, uint64(1), s.Installs())

	s.Install(nil)
	assert.Same(t, next, s.Load())
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore(NewLoading(t0))
	done := make(chan struct{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Load()
				// Writers pair AvgCount with history length
				if snap.Congestion != CongestionLoading {
					assert.Equal(t, snap.AvgCount, len(snap.WindowHistory))
				}
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		history := make([]congestion.Level, i)
		for j := range history {
			history[j] = congestion.LevelLow
		}
		s.Install(&Snapshot{
			Congestion:    CongestionLow,
			Trend:         congestion.TrendStable,
			AvgCount:      i,
			Timestamp:     t0.Add(time.Duration(i) * time.Second),
			WindowHistory: history,
		})
	}
	close(done)
	wg.Wait()
}

func TestWithCongestionCopies(t *testing.T) {
	orig := sample()
	later := t0.Add(time.Minute)
	errSnap := orig.WithCongestion(CongestionErrorRuntime, later)

	assert.Equal(t, CongestionErrorRuntime, errSnap.Congestion)
	assert.Equal(t, later, errSnap.Timestamp)
	assert.Equal(t, orig.AvgCount, errSnap.AvgCount)
	assert.Equal(t, orig.WindowHistory, errSnap.WindowHistory)

	errSnap.WindowHistory[0] = congestion.LevelHigh
	assert.Equal(t, congestion.LevelLow, orig.WindowHistory[0])
}

func TestFromLevel(t *testing.T) {
	assert.Equal(t, CongestionLow, FromLevel(congestion.LevelLow))
	assert.Equal(t, CongestionModerate, FromLevel(congestion.LevelModerate))
	assert.Equal(t, CongestionHigh, FromLevel(congestion.LevelHigh))
	assert.True(t, FromLevel("").IsError())
	assert.False(t, CongestionLoading.IsError())
}

func TestJSONShape(t *testing.T) {
	data, err := json.Marshal(sample())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 5)
	assert.Equal(t, "MODERATE", raw["congestion"])
	assert.Equal(t, "INCREASING", raw["trend"])
	assert.Equal(t, "2026-03-01T08:30:00.125Z", raw["timestamp"])
	assert.EqualValues(t, 7, raw["avg_count"])
	assert.Equal(t, []any{"LOW", "MODERATE"}, raw["window_history"])
}

func TestJSONEmptyHistoryIsArray(t *testing.T) {
	data, err := json.Marshal(NewLoading(t0))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"window_history":[]`)
}

func TestViewSnapshotRoundTrip(t *testing.T) {
	back, err := sample().View().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, sample(), back)

	_, err = View{Timestamp: "yesterday"}.Snapshot()
	assert.Error(t, err)
}

func TestProtoEncoding(t *testing.T) {
	data, err := sample().MarshalProto()
	require.NoError(t, err)

	v, err := UnmarshalProto(data)
	require.NoError(t, err)
	assert.Equal(t, sample().View(), v)

	_, err = UnmarshalProto([]byte{0xff, 0xff})
	assert.Error(t, err)
}
