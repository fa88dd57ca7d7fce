package apicompat

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCompatRoot(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	msg := requireString(t, payload["message"], "message")
	if !strings.Contains(msg, "Traffic AI Backend is running") {
		t.Fatalf("GET / message = %q", msg)
	}
}

func TestCompatStatus(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatalf("GET /status content-type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("GET /status missing CORS header")
	}
	assertStatusPayload(t, decodeJSONMap(t, body))
}

func TestCompatStatusTimestampsNeverGoBack(t *testing.T) {
	client := newAPIClient(t)

	var last time.Time
	for i := 0; i < 3; i++ {
		_, body := client.get(t, "/status", nil)
		ts, err := time.Parse(time.RFC3339Nano, requireString(t, decodeJSONMap(t, body)["timestamp"], "timestamp"))
		if err != nil {
			t.Fatalf("parse timestamp: %v", err)
		}
		if ts.Before(last) {
			t.Fatalf("timestamp went back from %v to %v", last, ts)
		}
		last = ts
		time.Sleep(200 * time.Millisecond)
	}
}

func TestCompatStatusProtobuf(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/status", http.Header{"Accept": {"application/protobuf"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status (protobuf) status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/protobuf" {
		t.Fatalf("GET /status (protobuf) content-type = %q", resp.Header.Get("Content-Type"))
	}
	if len(body) == 0 {
		t.Fatalf("empty protobuf body")
	}
}

func TestCompatHealth(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/health", nil)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireString(t, payload["status"], "status")
	requireString(t, payload["state"], "state")
	requireNumber(t, payload["installs"], "installs")
	assertStatusPayload(t, payload["snapshot"].(map[string]any))
}

func TestCompatOfferInvalid(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.postJSON(t, "/offer", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST /offer status = %d", resp.StatusCode)
	}
	requireString(t, decodeJSONMap(t, body)["error"], "error")
}
