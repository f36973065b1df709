package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

var (
	// ErrInvalidPayload is returned by Append when the payload is not a
	// structured map. Invalid payloads never enter the store.
	ErrInvalidPayload = errors.New("eventstore: payload must be a non-empty map")

	// ErrUnknownDomain is returned for domains outside telemetry.Domains.
	ErrUnknownDomain = errors.New("eventstore: unknown domain")
)

// Store is the append-only event log the pipeline reads from.
// Implementations: memory (testing), badger (durable).
//
// Events within a domain are ordered by insertion, exposed through a
// monotonically increasing per-domain cursor. There is no update or delete.
type Store interface {
	// Append adds one event and returns its cursor position.
	Append(ctx context.Context, domain telemetry.Domain, payload map[string]any) (uint64, error)

	// Scan streams events with cursor > since in insertion order and returns
	// the cursor of the last event visited (or since when there were none).
	// A scan is restartable from any previously returned cursor.
	Scan(ctx context.Context, domain telemetry.Domain, since uint64, fn func(telemetry.Event) error) (uint64, error)

	// Stats returns store statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}

// Stats provides store health and usage info.
type Stats struct {
	TotalEvents  uint64                       `json:"total_events"`
	PerDomain    map[telemetry.Domain]uint64  `json:"per_domain"`
	OldestIngest time.Time                    `json:"oldest_ingest,omitempty"`
	NewestIngest time.Time                    `json:"newest_ingest,omitempty"`
}
