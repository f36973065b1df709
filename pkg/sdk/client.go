// Package sdk is the Go client for the rackwatch ingest API. It batches
// telemetry events locally and flushes them to the server on a fixed cadence,
// so producers are never blocked on the network per reading.
package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/rackwatch/rackwatch/pkg/sdk/batch"
	"github.com/rackwatch/rackwatch/pkg/sdk/transport"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// ClientConfig holds configuration for the rackwatch client.
type ClientConfig struct {
	// Endpoint is the server root, e.g. http://localhost:8080.
	Endpoint string

	APIKey       string
	FlushEvery   time.Duration
	MaxBatchSize int
}

// Client is the rackwatch telemetry client.
type Client struct {
	config  ClientConfig
	batcher *batch.Batcher

	started bool
	cancel  context.CancelFunc
}

// New creates a new client.
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 500
	}

	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{
		config:  cfg,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
		}),
	}, nil
}

// Start begins background flushing.
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.started = true
	return nil
}

// Stop stops the client and flushes remaining events.
func (c *Client) Stop() error {
	if !c.started {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.started = false
	return c.batcher.Stop()
}

// Emit queues a raw event payload for the given domain. The payload shape is
// validated server-side during normalization.
func (c *Client) Emit(domain telemetry.Domain, payload map[string]any) error {
	if !domain.Valid() {
		return fmt.Errorf("unknown domain %q", domain)
	}
	if !c.started {
		return fmt.Errorf("client not started")
	}
	c.batcher.Add(domain, payload)
	return nil
}

// EmitSensor queues a sensor reading.
func (c *Client) EmitSensor(sensorID, rackID string, readingType telemetry.ReadingType, unit string, value float64, at time.Time) error {
	return c.Emit(telemetry.DomainSensor, map[string]any{
		"sensor_id":    sensorID,
		"rack_id":      rackID,
		"reading_type": string(readingType),
		"unit":         unit,
		"value":        value,
		"event_ts":     at.UnixMilli(),
	})
}

// EmitPower queues a power reading.
func (c *Client) EmitPower(rackID string, powerKW, coolingKW, voltageV, currentA float64, at time.Time) error {
	return c.Emit(telemetry.DomainPower, map[string]any{
		"rack_id":    rackID,
		"power_kw":   powerKW,
		"cooling_kw": coolingKW,
		"voltage_v":  voltageV,
		"current_a":  currentA,
		"event_ts":   at.UnixMilli(),
	})
}

// EmitFacility queues a facility environment reading.
func (c *Client) EmitFacility(facilityID string, externalTempC, externalHumidity float64, weather, powerStatus string, at time.Time) error {
	return c.Emit(telemetry.DomainFacility, map[string]any{
		"facility_id":       facilityID,
		"external_temp_c":   externalTempC,
		"external_humidity": externalHumidity,
		"weather_condition": weather,
		"power_status":      powerStatus,
		"event_ts":          at.UnixMilli(),
	})
}

// Flush synchronously sends all pending events.
func (c *Client) Flush() error {
	return c.batcher.Flush()
}
