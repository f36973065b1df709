package rollup

import (
	"sort"
	"sync"
	"time"
)

// Table is an in-memory derived view table keyed by (entity_id, time_bucket).
// Writes are atomic per key with last-writer-wins semantics; the refresh
// scheduler guarantees at most one in-flight writer per view.
type Table struct {
	name string
	mu   sync.RWMutex
	rows map[Key]Row
}

// NewTable creates an empty derived view table.
func NewTable(name string) *Table {
	return &Table{
		name: name,
		rows: make(map[Key]Row),
	}
}

// Name returns the view name.
func (t *Table) Name() string { return t.name }

// Upsert replaces the row for its key and reports whether the stored row
// changed. When the incoming row's metric content is identical to the
// existing one, the existing row is kept untouched so repeated refreshes
// produce byte-identical output.
func (t *Table) Upsert(row Row) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := row.Key()
	if existing, ok := t.rows[key]; ok && existing.Fingerprint() == row.Fingerprint() {
		return false
	}
	t.rows[key] = row
	return true
}

// Drop removes the row for key, if present. Used when a recomputed bucket no
// longer satisfies the view's join.
func (t *Table) Drop(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[key]; !ok {
		return false
	}
	delete(t.rows, key)
	return true
}

// Get returns the row for key.
func (t *Table) Get(key Key) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	return row, ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// QueryRequest selects rows from a derived view table.
type QueryRequest struct {
	// EntityID filters to one entity (optional).
	EntityID string

	// Start/End bound the bucket range, half-open [Start, End).
	// Zero values leave the corresponding side unbounded.
	Start time.Time
	End   time.Time

	// Limit caps the number of rows returned (0 = no limit).
	Limit int
}

// Query returns matching rows ordered by time_bucket descending, then
// entity_id ascending (the downstream dashboard convention).
func (t *Table) Query(req QueryRequest) []Row {
	t.mu.RLock()
	results := make([]Row, 0, len(t.rows))
	for _, row := range t.rows {
		if req.EntityID != "" && row.EntityID != req.EntityID {
			continue
		}
		if !req.Start.IsZero() && row.Bucket.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !row.Bucket.Before(req.End) {
			continue
		}
		results = append(results, row)
	}
	t.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if !results[i].Bucket.Equal(results[j].Bucket) {
			return results[i].Bucket.After(results[j].Bucket)
		}
		return results[i].EntityID < results[j].EntityID
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results
}
