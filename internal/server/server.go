// Package server exposes the latest congestion snapshot over HTTP: a
// polling endpoint, SSE and WebSocket feeds, WebRTC signaling, health and
// a small dashboard.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/aggregator"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/metrics"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/webrtc"
)

// RootMessage is the body of GET /
const RootMessage = "Traffic AI Backend is running!"

const maxOfferBytes = 64 << 10

// Config defines the serving layer's runtime configuration
type Config struct {
	Addr             string
	CORSOrigin       string
	StreamInterval   time.Duration
	EnableWebRTC     bool
	STUNServers      []string
	MaxWebRTCClients int
}

// DefaultConfig returns the stock serving configuration
func DefaultConfig() Config {
	return Config{
		Addr:             ":8000",
		CORSOrigin:       "*",
		StreamInterval:   500 * time.Millisecond,
		EnableWebRTC:     true,
		MaxWebRTCClients: 16,
	}
}

// Health is what /health reports about the aggregation loop
type Health interface {
	State() aggregator.State
	FramesPerInterval() int
	LastError() string
}

// Server serves the snapshot store
type Server struct {
	cfg         Config
	store       *status.Store
	health      Health
	metrics     *metrics.Metrics
	broadcaster *StatusBroadcaster
	webrtc      *webrtc.Server
	started     time.Time

	fanoutID  int
	fanoutWG  sync.WaitGroup
	closeOnce sync.Once
}

// New builds a server and starts its broadcaster. health and m may be nil.
func New(cfg Config, store *status.Store, health Health, m *metrics.Metrics) *Server {
	d := DefaultConfig()
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = d.CORSOrigin
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = d.StreamInterval
	}
	if cfg.MaxWebRTCClients <= 0 {
		cfg.MaxWebRTCClients = d.MaxWebRTCClients
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		health:      health,
		metrics:     m,
		broadcaster: NewStatusBroadcaster(store, cfg.StreamInterval),
		started:     time.Now(),
	}
	s.broadcaster.Start()

	if cfg.EnableWebRTC {
		s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients)
		s.webrtc.OnConnect = func(string) { s.clientConnected() }
		s.webrtc.OnDisconnect = func(string) { s.clientDisconnected() }

		id, ch := s.broadcaster.Subscribe()
		s.fanoutID = id
		s.fanoutWG.Add(1)
		go func() {
			defer s.fanoutWG.Done()
			for event := range ch {
				s.webrtc.SendStatus(event.JSONData)
			}
		}()
	}
	return s
}

// Handler exposes the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /status/ws", s.handleStatusWS)
	mux.HandleFunc("POST /offer", s.handleOffer)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)

	return s.cors(mux)
}

// NewHTTPServer wraps Handler in an http.Server bound to cfg.Addr
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close stops the broadcaster and disconnects WebRTC peers. Open SSE and
// WebSocket streams end when their channels close.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.broadcaster.Stop()
		s.fanoutWG.Wait()
		if s.webrtc != nil {
			_ = s.webrtc.Close()
		}
	})
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": RootMessage})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	w.Header().Set("Cache-Control", "no-store")

	if wantsProtobuf(r) {
		data, err := snap.MarshalProto()
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	s.clientConnected()
	defer s.clientDisconnected()

	streamStatusEvents(w, r, eventCh, wantsProtobuf(r))
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		logger.Debug("WebSocket", "Upgrade failed: %v", err)
		return
	}

	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	s.clientConnected()
	defer s.clientDisconnected()

	streamWebSocket(conn, eventCh)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusNotFound)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.webrtc.HandleOffer(offerJSON)
	switch {
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Failed to handle offer: %v", err)}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

// HealthReport is the body of GET /health
type HealthReport struct {
	Status            string       `json:"status"`
	State             string       `json:"state"`
	FramesPerInterval int          `json:"frames_per_interval"`
	LastError         string       `json:"last_error,omitempty"`
	Snapshot          status.View  `json:"snapshot"`
	Installs          uint64       `json:"installs"`
	Clients           ClientCounts `json:"clients"`
	UptimeSeconds     float64      `json:"uptime_seconds"`
}

// ClientCounts splits stream clients by transport
type ClientCounts struct {
	Stream int `json:"stream"`
	WebRTC int `json:"webrtc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:        "ok",
		State:         "UNKNOWN",
		Snapshot:      s.store.Load().View(),
		Installs:      s.store.Installs(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}

	clients := s.broadcaster.ClientCount()
	if s.webrtc != nil {
		clients-- // the WebRTC fanout subscription
		report.Clients.WebRTC = s.webrtc.ClientCount()
	}
	report.Clients.Stream = max(clients, 0)

	code := http.StatusOK
	if s.health != nil {
		state := s.health.State()
		report.State = state.String()
		report.FramesPerInterval = s.health.FramesPerInterval()
		report.LastError = s.health.LastError()
		switch state {
		case aggregator.StateDegradedInit:
			report.Status = "error"
			code = http.StatusServiceUnavailable
		case aggregator.StateDegradedRuntime:
			report.Status = "degraded"
		}
	}
	writeJSONWithStatus(w, report, code)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

func (s *Server) clientConnected() {
	if s.metrics != nil {
		s.metrics.ClientConnected()
	}
}

func (s *Server) clientDisconnected() {
	if s.metrics != nil {
		s.metrics.ClientDisconnected()
	}
}

// DecodeSSEData parses the data line of a status event in either format
func DecodeSSEData(data []byte, protobuf bool) (status.View, error) {
	if !protobuf {
		var v status.View
		err := json.Unmarshal(data, &v)
		return v, err
	}
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return status.View{}, fmt.Errorf("decode base64: %w", err)
	}
	return status.UnmarshalProto(raw)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
