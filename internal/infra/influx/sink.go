// Package influx stores controller telemetry in InfluxDB.
package influx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 50
	defaultFlushInterval  = 10 * time.Second

	measurementTemperature = "accessory_temperature"
)

var ErrServerUnhealthy = errors.New("influxdb server not healthy")

type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// Sink writes readings through the non-blocking write API; failures are
// reported asynchronously to the logger.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	userID   string
	logger   *slog.Logger
}

func Connect(ctx context.Context, cfg Config, userID string, logger *slog.Logger) (*Sink, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, ErrServerUnhealthy
	}

	s := &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		userID:   userID,
		logger:   logger,
	}
	go s.logWriteErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *Sink) logWriteErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Warn("influxdb write failed", "error", err)
	}
}

// RecordTemperature queues one reading. It never blocks on the network.
func (s *Sink) RecordTemperature(_ context.Context, deviceID string, celsius float64) error {
	p := write.NewPoint(
		measurementTemperature,
		map[string]string{"device": deviceID, "user": s.userID},
		map[string]any{"celsius": celsius},
		time.Now(),
	)
	s.writeAPI.WritePoint(p)
	return nil
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
