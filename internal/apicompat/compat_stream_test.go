package apicompat

import (
	"strings"
	"testing"
	"time"
)

func TestCompatStatusStream(t *testing.T) {
	client := newAPIClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/status/stream", 3*time.Second)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status stream content-type = %q", headers.Get("Content-Type"))
	}
	assertStatusPayload(t, parseSSEData(t, event))
}

func TestCompatDashboard(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/dashboard", nil)
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET /dashboard content-type = %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "/status") {
		t.Fatalf("dashboard does not poll /status")
	}
}
