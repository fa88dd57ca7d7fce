package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// HTTPConfig configures an HTTPDetector
type HTTPConfig struct {
	Endpoint  string        // POST target receiving image/jpeg
	HealthURL string        // optional GET target checked by Probe
	Timeout   time.Duration // per request
	MaxWidth  int           // frames wider than this are downscaled, 0 = never
	Quality   int           // JPEG quality for re-encoded frames
}

// DefaultHTTPConfig returns the settings used when only the endpoint is known
func DefaultHTTPConfig(endpoint string) HTTPConfig {
	return HTTPConfig{
		Endpoint: endpoint,
		Timeout:  10 * time.Second,
		MaxWidth: 1280,
		Quality:  85,
	}
}

type bbox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type wireDetection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       bbox    `json:"bbox"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

// HTTPDetector posts frames to an inference server as JPEG
type HTTPDetector struct {
	cfg    HTTPConfig
	client *http.Client
	log    logger.ModuleLogger
}

var _ Detector = (*HTTPDetector)(nil)

// NewHTTP validates cfg and builds a detector
func NewHTTP(cfg HTTPConfig) (*HTTPDetector, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid detector endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	return &HTTPDetector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.For("Detector"),
	}, nil
}

// Probe checks that the engine is reachable. Without a HealthURL it is a
// no-op.
func (d *HTTPDetector) Probe(ctx context.Context) error {
	if d.cfg.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("detector unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("detector health: status %d", resp.StatusCode)
	}
	return nil
}

// Detect implements Detector
func (d *HTTPDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	body, err := encodeJPEG(frame, d.cfg.MaxWidth, d.cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("prepare frame %d: %w", frameNum(frame), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	detections := make([]types.Detection, 0, len(out.Detections))
	for _, det := range out.Detections {
		detections = append(detections, types.Detection{
			Label:      det.ClassName,
			Confidence: det.Confidence,
		})
	}
	d.log.Debug("Frame %d: %d detections (%d bytes sent)", frameNum(frame), len(detections), len(body))
	return detections, nil
}

func frameNum(f *types.Frame) uint64 {
	if f == nil {
		return 0
	}
	return f.FrameNum
}
