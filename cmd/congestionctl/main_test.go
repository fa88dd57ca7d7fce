package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/aggregator"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/server"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

type stubHealth struct{ state aggregator.State }

func (h stubHealth) State() aggregator.State { return h.state }
func (stubHealth) FramesPerInterval() int    { return 125 }
func (stubHealth) LastError() string         { return "" }

func startServer(t *testing.T, health server.Health) (*status.Store, string) {
	t.Helper()
	store := status.NewStore(&status.Snapshot{
		Congestion:    status.CongestionModerate,
		Trend:         congestion.TrendIncreasing,
		AvgCount:      7,
		Timestamp:     time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC),
		WindowHistory: []congestion.Level{congestion.LevelLow, congestion.LevelModerate},
	})
	s := server.New(server.Config{StreamInterval: 10 * time.Millisecond}, store, health, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return store, ts.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.RunContext(ctx, append([]string{"congestionctl"}, args...))
	return out.String(), err
}

func TestStatusTable(t *testing.T) {
	_, url := startServer(t, nil)

	out, err := run(t, "--server", url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "MODERATE")
	assert.Contains(t, out, "INCREASING")
	assert.Contains(t, out, "LOW MODERATE")
	assert.Contains(t, out, "2026-09-01T07:30:00Z")
}

func TestStatusJSONAndProto(t *testing.T) {
	_, url := startServer(t, nil)

	out, err := run(t, "--server", url+"/", "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"avg_count": 7`)

	out, err = run(t, "--server", url, "status", "--proto", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"congestion": "MODERATE"`)
}

func TestServerFromEnvironment(t *testing.T) {
	_, url := startServer(t, nil)
	t.Setenv("CONGESTION_SERVER", url)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "MODERATE")
}

func TestWatch(t *testing.T) {
	store, url := startServer(t, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Install(&status.Snapshot{
			Congestion: status.CongestionHigh,
			Trend:      congestion.TrendIncreasing,
			AvgCount:   12,
			Timestamp:  time.Date(2026, 9, 1, 7, 30, 5, 0, time.UTC),
			WindowHistory: []congestion.Level{
				congestion.LevelLow, congestion.LevelModerate, congestion.LevelHigh,
			},
		})
	}()

	out, err := run(t, "--server", url, "watch", "--count", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "MODERATE")
	assert.Contains(t, lines[1], "HIGH")
	assert.Contains(t, lines[1], "avg=12")
}

func TestHealth(t *testing.T) {
	_, url := startServer(t, stubHealth{state: aggregator.StateReady})

	out, err := run(t, "--server", url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "READY")
	assert.Contains(t, out, "125")
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0s"},
		{0.25, "250ms"},
		{90.5, "1m30.5s"},
		{3600.0004, "1h0m0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.seconds))
	}
}

func TestHealthUnhealthy(t *testing.T) {
	_, url := startServer(t, stubHealth{state: aggregator.StateDegradedInit})

	out, err := run(t, "--server", url, "health")
	require.Error(t, err)
	assert.Contains(t, out, "DEGRADED_INIT")

	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())
}

func TestStatusUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := run(t, "--server", url, "--timeout", "500ms", "status")
	assert.ErrorContains(t, err, "request failed")
}
