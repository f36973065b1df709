// Package badger provides a durable event store backed by BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/rackwatch/rackwatch/pkg/eventstore"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

const seqBandwidth = 128

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the database directory.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage (0 = conservative default).
	MaxMemoryMB int64
}

// Store implements eventstore.Store using BadgerDB (LSM tree).
// Events are keyed by domain plus a big-endian sequence number so a prefix
// iterator yields them in insertion order.
type Store struct {
	db   *badger.DB
	mu   sync.Mutex // serializes Append so cursor order matches commit order
	seqs map[telemetry.Domain]*badger.Sequence
}

type record struct {
	Payload    map[string]any `json:"payload"`
	IngestTime time.Time      `json:"ingest_time"`
}

// New opens a BadgerDB-backed event store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Keep memory bounded: badger's defaults assume a lot more headroom than
	// a telemetry sidecar should take.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:   db,
		seqs: make(map[telemetry.Domain]*badger.Sequence),
	}
	for _, domain := range telemetry.Domains {
		seq, err := db.GetSequence(seqKey(domain), seqBandwidth)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open sequence for %s: %w", domain, err)
		}
		s.seqs[domain] = seq
	}
	return s, nil
}

// Append adds one event and returns its cursor position.
func (s *Store) Append(ctx context.Context, domain telemetry.Domain, payload map[string]any) (uint64, error) {
	if !domain.Valid() {
		return 0, eventstore.ErrUnknownDomain
	}
	if len(payload) == 0 {
		return 0, eventstore.ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.seqs[domain].Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	id := next + 1 // cursors are 1-based so "since 0" means the full log

	value, err := json.Marshal(record{Payload: payload, IngestTime: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(domain, id), value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write event: %w", err)
	}
	return id, nil
}

// Scan visits events with cursor > since in insertion order.
func (s *Store) Scan(ctx context.Context, domain telemetry.Domain, since uint64, fn func(telemetry.Event) error) (uint64, error) {
	if !domain.Valid() {
		return since, eventstore.ErrUnknownDomain
	}

	cursor := since
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := eventPrefix(domain)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(eventKey(domain, since+1)); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			id := parseEventKey(item.Key())

			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode event %d: %w", id, err)
			}

			if err := fn(telemetry.Event{
				ID:         id,
				Domain:     domain,
				Payload:    rec.Payload,
				IngestTime: rec.IngestTime,
			}); err != nil {
				return err
			}
			cursor = id
		}
		return nil
	})
	return cursor, err
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*eventstore.Stats, error) {
	stats := &eventstore.Stats{
		PerDomain: make(map[telemetry.Domain]uint64),
	}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, domain := range telemetry.Domains {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = eventPrefix(domain)
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
				stats.PerDomain[domain]++
				stats.TotalEvents++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close releases sequences and shuts down BadgerDB.
func (s *Store) Close() error {
	for _, seq := range s.seqs {
		_ = seq.Release()
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func eventPrefix(domain telemetry.Domain) []byte {
	return []byte("e/" + domain + "/")
}

func eventKey(domain telemetry.Domain, id uint64) []byte {
	prefix := eventPrefix(domain)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func parseEventKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func seqKey(domain telemetry.Domain) []byte {
	return []byte("seq/" + domain)
}
