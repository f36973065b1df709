package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rackwatch/rackwatch/pkg/eventstore"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

func TestMemoryStore_AppendAndScan(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := store.Append(ctx, telemetry.DomainSensor, map[string]any{"value": float64(i)})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if id != uint64(i+1) {
			t.Errorf("expected id %d, got %d", i+1, id)
		}
	}

	var seen []uint64
	cursor, err := store.Scan(ctx, telemetry.DomainSensor, 0, func(ev telemetry.Event) error {
		seen = append(seen, ev.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if cursor != 3 {
		t.Errorf("expected cursor 3, got %d", cursor)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("unexpected scan order: %v", seen)
	}
}

func TestMemoryStore_ScanFromCursor(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, telemetry.DomainPower, map[string]any{"power_kw": 1.0}); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	cursor, err := store.Scan(ctx, telemetry.DomainPower, 3, func(ev telemetry.Event) error {
		count++
		if ev.ID <= 3 {
			t.Errorf("scan visited event %d at or before cursor", ev.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 events after cursor, got %d", count)
	}
	if cursor != 5 {
		t.Errorf("expected cursor 5, got %d", cursor)
	}

	// Nothing new: cursor stays put.
	cursor, err = store.Scan(ctx, telemetry.DomainPower, cursor, func(ev telemetry.Event) error {
		t.Errorf("unexpected event %d", ev.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 5 {
		t.Errorf("expected cursor to stay at 5, got %d", cursor)
	}
}

func TestMemoryStore_DomainsAreIsolated(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	store.Append(ctx, telemetry.DomainSensor, map[string]any{"a": 1.0})
	store.Append(ctx, telemetry.DomainPower, map[string]any{"b": 2.0})
	store.Append(ctx, telemetry.DomainPower, map[string]any{"c": 3.0})

	var sensorCount int
	store.Scan(ctx, telemetry.DomainSensor, 0, func(telemetry.Event) error {
		sensorCount++
		return nil
	})
	if sensorCount != 1 {
		t.Errorf("expected 1 sensor event, got %d", sensorCount)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.PerDomain[telemetry.DomainPower] != 2 {
		t.Errorf("expected 2 power events, got %d", stats.PerDomain[telemetry.DomainPower])
	}
}

func TestMemoryStore_Rejections(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Append(ctx, "bogus", map[string]any{"a": 1.0}); !errors.Is(err, eventstore.ErrUnknownDomain) {
		t.Errorf("expected ErrUnknownDomain, got %v", err)
	}
	if _, err := store.Append(ctx, telemetry.DomainSensor, nil); !errors.Is(err, eventstore.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestMemoryStore_ScanStopsOnCallbackError(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Append(ctx, telemetry.DomainSensor, map[string]any{"v": float64(i)})
	}

	boom := errors.New("boom")
	cursor, err := store.Scan(ctx, telemetry.DomainSensor, 0, func(ev telemetry.Event) error {
		if ev.ID == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	// Cursor reflects the last fully processed event so a retry resumes at
	// the failed one.
	if cursor != 1 {
		t.Errorf("expected cursor 1, got %d", cursor)
	}
}
