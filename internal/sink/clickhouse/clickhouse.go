// Package clickhouse records published congestion metrics in ClickHouse
// for historical dashboards.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS congestion_metrics (
	timestamp   DateTime64(3),
	instance_id UUID,
	camera_id   String,
	metric      LowCardinality(String),
	value       Float64,
	unit        String
) ENGINE = MergeTree()
ORDER BY (camera_id, metric, timestamp)
`

const insertSQL = `
INSERT INTO congestion_metrics (timestamp, instance_id, camera_id, metric, value, unit)
VALUES (?, ?, ?, ?, ?, ?)
`

// Config holds ClickHouse connection configuration
type Config struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	CameraID string
}

// DefaultConfig returns default development configuration
func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:9000",
		Database: "default",
		Username: "default",
		CameraID: "default",
	}
}

// conn is the part of driver.Conn the sink needs
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Sink implements publisher.Sink. Each process gets its own instance ID
// so restarts can be told apart in the table.
type Sink struct {
	conn       conn
	cameraID   string
	instanceID uuid.UUID
	now        func() time.Time
	log        logger.ModuleLogger
}

// New connects, pings and creates the table if needed
func New(ctx context.Context, cfg Config) (*Sink, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	s, err := newWithConn(ctx, c, cfg.CameraID)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	s.log.Info("Connected to ClickHouse at %s (instance %s)", cfg.Addr, s.instanceID)
	return s, nil
}

func newWithConn(ctx context.Context, c conn, cameraID string) (*Sink, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := c.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create congestion_metrics: %w", err)
	}
	if cameraID == "" {
		cameraID = "default"
	}
	return &Sink{
		conn:       c,
		cameraID:   cameraID,
		instanceID: uuid.New(),
		now:        time.Now,
		log:        logger.For("ClickHouse"),
	}, nil
}

// Publish inserts one row
func (s *Sink) Publish(ctx context.Context, name string, value float64, unit string) error {
	err := s.conn.Exec(ctx, insertSQL,
		s.now().UTC(),
		s.instanceID,
		s.cameraID,
		name,
		value,
		unit,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", name, err)
	}
	return nil
}

// InstanceID identifies this process's rows
func (s *Sink) InstanceID() uuid.UUID {
	return s.instanceID
}

// Close closes the database connection
func (s *Sink) Close() error {
	return s.conn.Close()
}
