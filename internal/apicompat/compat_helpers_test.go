// Package apicompat checks a running server against the public HTTP
// contract. Every test skips when CONGESTION_BASE_URL (default
// http://localhost:8000) is not reachable.
package apicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8000"
	defaultRequestTimeout = 2 * time.Second
)

var (
	congestionLabels = map[string]bool{
		"LOADING": true, "LOW": true, "MODERATE": true, "HIGH": true,
		"ERROR": true, "ERROR_RUNTIME": true,
	}
	trendLabels = map[string]bool{"INCREASING": true, "STABLE": true, "DECREASING": true}
	levelLabels = map[string]bool{"LOW": true, "MODERATE": true, "HIGH": true}
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	baseURL := strings.TrimRight(os.Getenv("CONGESTION_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/") {
		t.Skipf("server not reachable at %s (set CONGESTION_BASE_URL to run)", baseURL)
	}

	return &apiClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *apiClient) get(t *testing.T, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *apiClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// readSSEEvent returns the first complete event of an SSE stream
func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.Contains(event, "data:") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

// assertStatusPayload checks the five-field snapshot contract
func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	if len(payload) != 5 {
		t.Fatalf("status has %d fields, want 5: %v", len(payload), payload)
	}

	congestion := requireString(t, payload["congestion"], "congestion")
	if !congestionLabels[congestion] {
		t.Fatalf("unexpected congestion %q", congestion)
	}
	trend := requireString(t, payload["trend"], "trend")
	if !trendLabels[trend] {
		t.Fatalf("unexpected trend %q", trend)
	}

	ts := requireString(t, payload["timestamp"], "timestamp")
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("timestamp %q is not RFC 3339: %v", ts, err)
	}

	avg := requireNumber(t, payload["avg_count"], "avg_count")
	if avg < 0 || avg != float64(int(avg)) {
		t.Fatalf("avg_count %v is not a non-negative integer", avg)
	}

	history := requireSlice(t, payload["window_history"], "window_history")
	for i, raw := range history {
		level := requireString(t, raw, fmt.Sprintf("window_history[%d]", i))
		if !levelLabels[level] {
			t.Fatalf("window_history[%d] = %q", i, level)
		}
	}
}
