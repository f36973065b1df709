// Package memory provides an in-memory event store. Data is lost on restart.
// Useful for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rackwatch/rackwatch/pkg/eventstore"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// Store keeps per-domain event logs in memory.
type Store struct {
	mu     sync.RWMutex
	events map[telemetry.Domain][]telemetry.Event
}

// New creates an in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[telemetry.Domain][]telemetry.Event),
	}
}

// Append adds an event to the domain log. Cursors are 1-based and dense.
func (s *Store) Append(ctx context.Context, domain telemetry.Domain, payload map[string]any) (uint64, error) {
	if !domain.Valid() {
		return 0, eventstore.ErrUnknownDomain
	}
	if len(payload) == 0 {
		return 0, eventstore.ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uint64(len(s.events[domain])) + 1
	s.events[domain] = append(s.events[domain], telemetry.Event{
		ID:         id,
		Domain:     domain,
		Payload:    payload,
		IngestTime: time.Now().UTC(),
	})
	return id, nil
}

// Scan visits events with ID > since in insertion order.
func (s *Store) Scan(ctx context.Context, domain telemetry.Domain, since uint64, fn func(telemetry.Event) error) (uint64, error) {
	if !domain.Valid() {
		return since, eventstore.ErrUnknownDomain
	}

	s.mu.RLock()
	log := s.events[domain]
	// Copy the tail so fn runs without holding the lock.
	var tail []telemetry.Event
	if since < uint64(len(log)) {
		tail = make([]telemetry.Event, len(log)-int(since))
		copy(tail, log[since:])
	}
	s.mu.RUnlock()

	cursor := since
	for _, ev := range tail {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		if err := fn(ev); err != nil {
			return cursor, err
		}
		cursor = ev.ID
	}
	return cursor, nil
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*eventstore.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &eventstore.Stats{
		PerDomain: make(map[telemetry.Domain]uint64),
	}
	for domain, log := range s.events {
		stats.PerDomain[domain] = uint64(len(log))
		stats.TotalEvents += uint64(len(log))
		for _, ev := range log {
			if stats.OldestIngest.IsZero() || ev.IngestTime.Before(stats.OldestIngest) {
				stats.OldestIngest = ev.IngestTime
			}
			if ev.IngestTime.After(stats.NewestIngest) {
				stats.NewestIngest = ev.IngestTime
			}
		}
	}
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}
