package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/aggregator"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/config"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/detector"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/metrics"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/publisher"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/server"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/shm"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/sink/clickhouse"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/sink/cloudwatch"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/sink/mqtt"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/source"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var (
		pprofAddr   = flag.String("pprof", "", "pprof server address (disabled when empty)")
		stunServers = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
		maxClients  = flag.Int("max-clients", 16, "Maximum WebRTC clients")
	)
	bindFlags(flag.CommandLine, &cfg)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Congestion server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv := NewServer(cfg, serverOptions{
		pprofAddr:   *pprofAddr,
		stunServers: splitList(*stunServers),
		maxClients:  *maxClients,
	})
	srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	failed := make(chan error, 1)
	go func() { failed <- srv.Wait() }()

	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received %v, shutting down...", sig)
	case err := <-failed:
		logger.Error("Main", "Component stopped unexpectedly: %v", err)
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// bindFlags exposes the main settings as flags whose defaults are the
// values already loaded from the environment
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.SourceType, "source", cfg.SourceType, "Frame source (dir or shm)")
	fs.StringVar(&cfg.FrameDir, "frames", cfg.FrameDir, "Directory of image frames for the dir source")
	fs.Float64Var(&cfg.FrameRate, "fps", cfg.FrameRate, "Frame rate of the dir source (0 = default)")
	fs.StringVar(&cfg.ShmName, "shm", cfg.ShmName, "Shared memory name for the shm source")
	fs.StringVar(&cfg.DetectorURL, "detector", cfg.DetectorURL, "Detection endpoint URL")
	fs.StringVar(&cfg.DetectorHealthURL, "detector-health", cfg.DetectorHealthURL, "Detection engine health URL")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Aggregation interval")
	fs.IntVar(&cfg.WindowSize, "window", cfg.WindowSize, "Smoothing window size")
	fs.Float64Var(&cfg.ConfidenceThreshold, "confidence", cfg.ConfidenceThreshold, "Minimum detection confidence")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address (disabled when empty)")
	fs.BoolVar(&cfg.EnableWebRTC, "webrtc", cfg.EnableWebRTC, "Enable the WebRTC status channel")
	fs.StringVar(&cfg.CameraID, "camera", cfg.CameraID, "Camera identifier attached to published metrics")
	fs.BoolVar(&cfg.CloudWatchEnabled, "cloudwatch", cfg.CloudWatchEnabled, "Publish metrics to CloudWatch")
	fs.StringVar(&cfg.MQTTBroker, "mqtt", cfg.MQTTBroker, "MQTT broker URL (disabled when empty)")
	fs.StringVar(&cfg.ClickHouseAddr, "clickhouse", cfg.ClickHouseAddr, "ClickHouse address (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

type serverOptions struct {
	pprofAddr   string
	stunServers []string
	maxClients  int
}

// Server wires the aggregation loop to its sinks and the serving layer
type Server struct {
	cfg     config.Config
	opts    serverOptions
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	metrics *metrics.Metrics
	store   *status.Store
	driver  *aggregator.Driver
	api     *server.Server

	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func()
}

// NewServer builds every component. Source and detector failures do not
// abort startup: the aggregator comes up degraded and /status reports
// ERROR.
func NewServer(cfg config.Config, opts serverOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics.New(),
		store:   status.NewStore(nil),
	}

	src, srcErr := s.openSource()
	det, detErr := s.openDetector(ctx)
	initErr := errors.Join(srcErr, detErr)
	if initErr != nil {
		logger.Error("Main", "Initialization failed, serving ERROR status: %v", initErr)
	}

	agg := aggregator.New(cfg.Aggregator(), src, det, s.store,
		aggregator.WithMetrics(s.metrics),
		aggregator.WithInitError(initErr),
	)
	s.driver = aggregator.NewDriver(agg, s.buildPublisher(ctx))

	s.api = server.New(server.Config{
		Addr:             cfg.HTTPAddr,
		CORSOrigin:       cfg.CORSOrigin,
		StreamInterval:   cfg.StreamInterval,
		EnableWebRTC:     cfg.EnableWebRTC,
		STUNServers:      opts.stunServers,
		MaxWebRTCClients: opts.maxClients,
	}, s.store, agg, s.metrics)
	s.httpServer = s.api.NewHTTPServer()

	if cfg.MetricsAddr != "" {
		s.metricsServer = s.metrics.NewServer(cfg.MetricsAddr)
	}
	return s
}

// openSource returns an untyped nil on failure so the aggregator sees a
// missing source rather than a typed nil.
func (s *Server) openSource() (source.FrameSource, error) {
	switch s.cfg.SourceType {
	case config.SourceShm:
		src, err := shm.Open(shm.Options{Name: s.cfg.ShmName, WaitTimeout: s.cfg.ShmWaitTimeout})
		if err != nil {
			return nil, fmt.Errorf("open shared memory source: %w", err)
		}
		logger.Info("Main", "Frame source: shared memory %s (%.1f fps)", s.cfg.ShmName, src.FrameRate())
		return src, nil
	default:
		src, err := source.OpenDir(s.cfg.FrameDir, s.cfg.FrameRate)
		if err != nil {
			return nil, fmt.Errorf("open frame directory: %w", err)
		}
		logger.Info("Main", "Frame source: %s (%d frames, %.1f fps)", s.cfg.FrameDir, src.Len(), src.FrameRate())
		return src, nil
	}
}

func (s *Server) openDetector(ctx context.Context) (detector.Detector, error) {
	dcfg := detector.DefaultHTTPConfig(s.cfg.DetectorURL)
	dcfg.HealthURL = s.cfg.DetectorHealthURL
	dcfg.Timeout = s.cfg.DetectorTimeout
	dcfg.MaxWidth = s.cfg.DetectorMaxWidth

	det, err := detector.NewHTTP(dcfg)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, dcfg.Timeout)
	defer cancel()
	if err := det.Probe(probeCtx); err != nil {
		return nil, fmt.Errorf("detection engine unavailable: %w", err)
	}
	logger.Info("Main", "Detector: %s", s.cfg.DetectorURL)
	return det, nil
}

// buildPublisher registers every configured sink. A sink that cannot be
// set up is logged and left out.
func (s *Server) buildPublisher(ctx context.Context) *publisher.Publisher {
	pub := publisher.New(s.cfg.SinkTimeout, s.metrics)
	pub.Register("prometheus", s.metrics)

	if s.cfg.CloudWatchEnabled {
		cw, err := cloudwatch.New(ctx, cloudwatch.Config{
			Namespace: s.cfg.CloudWatchNamespace,
			Region:    s.cfg.AWSRegion,
			CameraID:  s.cfg.CameraID,
		})
		if err != nil {
			logger.Warn("Main", "CloudWatch sink disabled: %v", err)
		} else {
			pub.Register("cloudwatch", cw)
		}
	}

	if s.cfg.MQTTBroker != "" {
		mq, err := mqtt.New(mqtt.Config{
			Broker:         s.cfg.MQTTBroker,
			ClientID:       s.cfg.MQTTClientID,
			Username:       s.cfg.MQTTUsername,
			Password:       s.cfg.MQTTPassword,
			Topic:          s.cfg.MQTTTopic,
			CameraID:       s.cfg.CameraID,
			QoS:            byte(s.cfg.MQTTQoS),
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			logger.Warn("Main", "MQTT sink disabled: %v", err)
		} else {
			pub.Register("mqtt", mq)
			s.closers = append(s.closers, mq.Close)
		}
	}

	if s.cfg.ClickHouseAddr != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ch, err := clickhouse.New(connectCtx, clickhouse.Config{
			Addr:     s.cfg.ClickHouseAddr,
			Database: s.cfg.ClickHouseDB,
			Username: s.cfg.ClickHouseUser,
			Password: s.cfg.ClickHousePass,
			CameraID: s.cfg.CameraID,
		})
		cancel()
		if err != nil {
			logger.Warn("Main", "ClickHouse sink disabled: %v", err)
		} else {
			pub.Register("clickhouse", ch)
			s.closers = append(s.closers, func() { _ = ch.Close() })
		}
	}

	logger.Info("Main", "Metric sinks: %s", strings.Join(pub.Sinks(), ", "))
	return pub
}

// Start launches the servers and the aggregation loop. If any of them
// fails the others are stopped through the shared context.
func (s *Server) Start() {
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Interval: %v, window: %d", s.cfg.Interval, s.cfg.WindowSize)

	if s.opts.pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.opts.pprofAddr)
			if err := http.ListenAndServe(s.opts.pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(s.ctx)
	s.group = g

	if s.metricsServer != nil {
		g.Go(func() error {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			return listen("metrics", s.metricsServer)
		})
	}

	g.Go(func() error {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		return listen("http", s.httpServer)
	})

	g.Go(func() error {
		return s.driver.Run(ctx)
	})

	logger.Info("Main", "Server started successfully")
}

func listen(name string, srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Wait blocks until every component has returned
func (s *Server) Wait() error {
	return s.group.Wait()
}

// Shutdown stops the loop first, then the servers, then the sinks
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.api.Close()
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if err := s.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		c()
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
