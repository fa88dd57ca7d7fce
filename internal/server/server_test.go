package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/aggregator"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/congestion"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/metrics"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

type fakeHealth struct {
	state aggregator.State
	err   string
}

func (f fakeHealth) State() aggregator.State { return f.state }
func (f fakeHealth) FramesPerInterval() int  { return 150 }
func (f fakeHealth) LastError() string       { return f.err }

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func lowSnapshot(at time.Time) *status.Snapshot {
	return &status.Snapshot{
		Congestion:    status.CongestionLow,
		Trend:         congestion.TrendStable,
		AvgCount:      1,
		Timestamp:     at,
		WindowHistory: []congestion.Level{congestion.LevelLow},
	}
}

func newTestServer(t *testing.T, cfg Config, health Health) (*Server, *status.Store, *httptest.Server) {
	t.Helper()
	store := status.NewStore(status.NewLoading(t0))
	cfg.StreamInterval = 10 * time.Millisecond
	s := New(cfg, store, health, metrics.New())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, store, ts
}

func getJSON(t *testing.T, url string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp
}

func TestRoot(t *testing.T) {
	_, _, ts := newTestServer(t, Config{}, nil)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, RootMessage, body["message"])

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusJSON(t *testing.T) {
	_, store, ts := newTestServer(t, Config{}, nil)

	var loading map[string]any
	resp := getJSON(t, ts.URL+"/status", &loading)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "LOADING", loading["congestion"])
	assert.Equal(t, "STABLE", loading["trend"])
	assert.EqualValues(t, 0, loading["avg_count"])
	assert.Equal(t, []any{}, loading["window_history"])

	store.Install(lowSnapshot(t0.Add(5 * time.Second)))

	var v status.View
	getJSON(t, ts.URL+"/status", &v)
	assert.Equal(t, status.View{
		Congestion:    "LOW",
		Trend:         "STABLE",
		Timestamp:     "2026-05-01T08:00:05Z",
		AvgCount:      1,
		WindowHistory: []string{"LOW"},
	}, v)
}

func TestStatusProtobuf(t *testing.T) {
	_, store, ts := newTestServer(t, Config{}, nil)
	store.Install(lowSnapshot(t0))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/protobuf")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/protobuf", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	v, err := status.UnmarshalProto(data)
	require.NoError(t, err)
	assert.Equal(t, "LOW", v.Congestion)
	assert.Equal(t, []string{"LOW"}, v.WindowHistory)
}

func TestPreflight(t *testing.T) {
	_, _, ts := newTestServer(t, Config{CORSOrigin: "https://ops.example"}, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ops.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

// readEvent returns the next SSE data payload, skipping comments
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func TestStatusStream(t *testing.T) {
	_, store, ts := newTestServer(t, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)

	first, err := DecodeSSEData([]byte(readEvent(t, r)), false)
	require.NoError(t, err)
	assert.Equal(t, "LOADING", first.Congestion)

	store.Install(lowSnapshot(t0.Add(time.Second)))
	next, err := DecodeSSEData([]byte(readEvent(t, r)), false)
	require.NoError(t, err)
	assert.Equal(t, "LOW", next.Congestion)
	assert.Equal(t, 1, next.AvgCount)
}

func TestStatusStreamProtobuf(t *testing.T) {
	_, store, ts := newTestServer(t, Config{}, nil)
	store.Install(lowSnapshot(t0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/status/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	v, err := DecodeSSEData([]byte(readEvent(t, bufio.NewReader(resp.Body))), true)
	require.NoError(t, err)
	assert.Equal(t, "LOW", v.Congestion)
}

func TestStatusWebSocket(t *testing.T) {
	_, store, ts := newTestServer(t, Config{}, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var v status.View
	require.NoError(t, conn.ReadJSON(&v))
	assert.Equal(t, "LOADING", v.Congestion)

	store.Install(lowSnapshot(t0.Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&v))
	assert.Equal(t, "LOW", v.Congestion)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     Health
		wantCode   int
		wantStatus string
		wantState  string
	}{
		{"no aggregator", nil, http.StatusOK, "ok", "UNKNOWN"},
		{"ready", fakeHealth{state: aggregator.StateReady}, http.StatusOK, "ok", "READY"},
		{"runtime failure", fakeHealth{state: aggregator.StateDegradedRuntime, err: "detector timeout"}, http.StatusOK, "degraded", "DEGRADED_RUNTIME"},
		{"init failure", fakeHealth{state: aggregator.StateDegradedInit, err: "no frames"}, http.StatusServiceUnavailable, "error", "DEGRADED_INIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ts := newTestServer(t, Config{EnableWebRTC: true}, tt.health)

			var report HealthReport
			resp := getJSON(t, ts.URL+"/health", &report)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, tt.wantState, report.State)
			assert.Equal(t, "LOADING", report.Snapshot.Congestion)
			assert.Equal(t, 0, report.Clients.Stream)
			if tt.health != nil {
				assert.Equal(t, 150, report.FramesPerInterval)
				assert.Equal(t, tt.health.LastError(), report.LastError)
			}
		})
	}
}

func TestOfferDisabled(t *testing.T) {
	_, _, ts := newTestServer(t, Config{EnableWebRTC: false}, nil)

	resp, err := http.Post(ts.URL+"/offer", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOfferInvalid(t *testing.T) {
	_, _, ts := newTestServer(t, Config{EnableWebRTC: true}, nil)

	resp, err := http.Post(ts.URL+"/offer", "application/json", strings.NewReader(`{"sdp":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "offer")
}

func TestDashboard(t *testing.T) {
	_, _, ts := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "fetch('/status'")
}

func TestBroadcasterSkipsUnchangedSnapshots(t *testing.T) {
	store := status.NewStore(status.NewLoading(t0))
	b := NewStatusBroadcaster(store, time.Hour)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)
	first := <-ch
	assert.Equal(t, status.CongestionLoading, first.Snapshot.Congestion)

	b.poll()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.JSONData)
	default:
	}

	store.Install(lowSnapshot(t0))
	b.poll()
	ev := <-ch
	assert.Equal(t, status.CongestionLow, ev.Snapshot.Congestion)
	assert.Same(t, ev, b.Latest())
}
