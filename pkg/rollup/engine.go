package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/eventstore"
	"github.com/rackwatch/rackwatch/pkg/metrics"
	"github.com/rackwatch/rackwatch/pkg/normalize"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// rackPower is a power sample re-keyed to its facility for the facility-level
// aggregation (which needs distinct rack counts).
type rackPower struct {
	rackID    string
	powerKW   float64
	coolingKW float64
}

// Config configures the rollup engine.
type Config struct {
	Logger  *slog.Logger
	Store   eventstore.Store
	Catalog *catalog.Catalog

	// OnRowChange is invoked after a refresh replaces a row (optional).
	OnRowChange func(view string, row Row)
}

func (cfg *Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("event store is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog is required")
	}
	return nil
}

// Engine maintains the three derived views over the event store.
//
// It tracks a per-domain cursor into the store; Sync normalizes everything
// appended since the last cycle and marks the buckets those readings touch.
// Refresh then rebuilds each dirty bucket from the full set of readings in
// it. Aggregates are never accumulated incrementally: ratio metrics (PUE,
// efficiency) are only correct when re-derived from complete bucket sums.
type Engine struct {
	log     *slog.Logger
	store   eventstore.Store
	catalog *catalog.Catalog
	norm    *normalize.Normalizer

	onRowChange func(view string, row Row)

	rack       *Table
	facility   *Table
	datacenter *Table

	mu      sync.Mutex
	cursors map[telemetry.Domain]uint64

	// Normalized reading buffers grouped by join key. These are the
	// in-memory materialization of the normalized views; the durable record
	// stays in the event store.
	rackSensors map[Key][]telemetry.SensorReading // (rack_id, hour)
	rackPowers  map[Key][]telemetry.PowerReading  // (rack_id, hour)
	facPowers   map[Key][]rackPower               // (facility_id, hour)
	facTemps    map[Key][]float64                 // (facility_id, hour), temperature only
	facEnv      map[Key][]float64                 // (facility_id, hour), external temp

	dirtyRack     map[Key]struct{}
	dirtyFacility map[Key]struct{}
	dirtyDC       map[Key]struct{}
}

// NewEngine creates a rollup engine with empty derived tables.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	return &Engine{
		log:         cfg.Logger.With("component", "rollup"),
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		norm:        normalize.New(cfg.Catalog),
		onRowChange: cfg.OnRowChange,

		rack:       NewTable(ViewRackPerformance),
		facility:   NewTable(ViewFacilitySummary),
		datacenter: NewTable(ViewDatacenterEfficiency),

		cursors:     make(map[telemetry.Domain]uint64),
		rackSensors: make(map[Key][]telemetry.SensorReading),
		rackPowers:  make(map[Key][]telemetry.PowerReading),
		facPowers:   make(map[Key][]rackPower),
		facTemps:    make(map[Key][]float64),
		facEnv:      make(map[Key][]float64),

		dirtyRack:     make(map[Key]struct{}),
		dirtyFacility: make(map[Key]struct{}),
		dirtyDC:       make(map[Key]struct{}),
	}, nil
}

// Views returns the derived tables by view name.
func (e *Engine) Views() map[string]*Table {
	return map[string]*Table{
		ViewRackPerformance:      e.rack,
		ViewFacilitySummary:      e.facility,
		ViewDatacenterEfficiency: e.datacenter,
	}
}

// RackTable returns the rack_performance table.
func (e *Engine) RackTable() *Table { return e.rack }

// FacilityTable returns the facility_summary table.
func (e *Engine) FacilityTable() *Table { return e.facility }

// DatacenterTable returns the datacenter_efficiency table.
func (e *Engine) DatacenterTable() *Table { return e.datacenter }

// Sync scans every domain from its cursor, normalizes new events into the
// reading buffers and marks touched buckets dirty. Per-row failures are
// counted and skipped; only store errors propagate. Progress survives a
// partial failure because cursors advance with the scan.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, domain := range telemetry.Domains {
		cursor, err := e.store.Scan(ctx, domain, e.cursors[domain], func(ev telemetry.Event) error {
			e.absorb(ev)
			return nil
		})
		e.cursors[domain] = cursor
		if err != nil {
			return fmt.Errorf("failed to scan %s events: %w", domain, err)
		}
	}
	return nil
}

// absorb normalizes one event and files it into the bucket buffers.
// Callers hold e.mu.
func (e *Engine) absorb(ev telemetry.Event) {
	reading, err := e.norm.Normalize(ev)
	if err != nil {
		var se *normalize.SkipError
		if errors.As(err, &se) {
			metrics.ReadingsSkipped.WithLabelValues(string(ev.Domain), string(se.Reason)).Inc()
			e.log.Debug("reading skipped", "domain", ev.Domain, "event_id", ev.ID, "reason", se.Reason, "detail", se.Detail)
			return
		}
		metrics.ReadingsSkipped.WithLabelValues(string(ev.Domain), "error").Inc()
		e.log.Warn("normalization failed", "domain", ev.Domain, "event_id", ev.ID, "error", err)
		return
	}

	switch r := reading.(type) {
	case telemetry.SensorReading:
		key := Key{EntityID: r.RackID, Bucket: HourBucket(r.Time)}
		e.rackSensors[key] = append(e.rackSensors[key], r)
		e.dirtyRack[key] = struct{}{}

		if facilityID, ok := e.catalog.ResolveRack(r.RackID); ok {
			fkey := Key{EntityID: facilityID, Bucket: key.Bucket}
			if r.Type == telemetry.ReadingTemperature {
				e.facTemps[fkey] = append(e.facTemps[fkey], r.Value)
			}
			e.dirtyFacility[fkey] = struct{}{}
		}

	case telemetry.PowerReading:
		key := Key{EntityID: r.RackID, Bucket: HourBucket(r.Time)}
		e.rackPowers[key] = append(e.rackPowers[key], r)
		e.dirtyRack[key] = struct{}{}

		if facilityID, ok := e.catalog.ResolveRack(r.RackID); ok {
			fkey := Key{EntityID: facilityID, Bucket: key.Bucket}
			e.facPowers[fkey] = append(e.facPowers[fkey], rackPower{
				rackID:    r.RackID,
				powerKW:   r.PowerKW,
				coolingKW: r.CoolingKW,
			})
			e.dirtyFacility[fkey] = struct{}{}
		}

	case telemetry.FacilityReading:
		key := Key{EntityID: r.FacilityID, Bucket: HourBucket(r.Time)}
		e.facEnv[key] = append(e.facEnv[key], r.ExternalTempC)
		e.dirtyFacility[key] = struct{}{}
	}
}

// RefreshRack rebuilds every dirty (rack, hour) bucket. The rack level is a
// strict inner join: a rack-hour with power but no sensor coverage (or the
// reverse) produces no row.
func (e *Engine) RefreshRack(ctx context.Context) error {
	dirty, now := e.takeDirty(&e.dirtyRack)

	for key := range dirty {
		if err := ctx.Err(); err != nil {
			e.requeue(&e.dirtyRack, dirty, key)
			return err
		}

		e.mu.Lock()
		sensors := e.rackSensors[key]
		powers := e.rackPowers[key]
		e.mu.Unlock()

		if len(sensors) == 0 || len(powers) == 0 {
			if e.rack.Drop(key) {
				e.log.Debug("rack row dropped, join no longer satisfied", "rack", key.EntityID, "bucket", key.Bucket)
			}
			continue
		}

		row := computeRackRow(key, sensors, powers, now)
		if e.rack.Upsert(row) {
			metrics.RowsReplaced.WithLabelValues(ViewRackPerformance).Inc()
			e.notify(ViewRackPerformance, row)
		}
	}
	return nil
}

// RefreshFacility rebuilds every dirty (facility, hour) bucket. Power is the
// base of this view; sensor readings are left-joined so missing sensor
// coverage never suppresses a facility's power rollup. Changed buckets mark
// the owning datacenter's day bucket dirty.
func (e *Engine) RefreshFacility(ctx context.Context) error {
	dirty, now := e.takeDirty(&e.dirtyFacility)

	for key := range dirty {
		if err := ctx.Err(); err != nil {
			e.requeue(&e.dirtyFacility, dirty, key)
			return err
		}

		e.mu.Lock()
		powers := e.facPowers[key]
		temps := e.facTemps[key]
		env := e.facEnv[key]
		e.mu.Unlock()

		if len(powers) == 0 {
			if e.facility.Drop(key) {
				e.markDatacenterDirty(key.EntityID, key.Bucket)
			}
			continue
		}

		row := computeFacilityRow(key, powers, temps, env, now)
		if e.facility.Upsert(row) {
			metrics.RowsReplaced.WithLabelValues(ViewFacilitySummary).Inc()
			e.notify(ViewFacilitySummary, row)
			e.markDatacenterDirty(key.EntityID, key.Bucket)
		}
	}
	return nil
}

// RefreshDatacenter rebuilds every dirty (datacenter, day) bucket by summing
// the facility-level rows of that day and re-deriving PUE/efficiency from the
// sums. Facility PUEs are never averaged: the mean of ratios is not the ratio
// of the sums.
func (e *Engine) RefreshDatacenter(ctx context.Context) error {
	dirty, now := e.takeDirty(&e.dirtyDC)

	for key := range dirty {
		if err := ctx.Err(); err != nil {
			e.requeue(&e.dirtyDC, dirty, key)
			return err
		}

		var totalPower, totalCooling float64
		var contributing int
		for _, facilityID := range e.catalog.FacilitiesIn(key.EntityID) {
			for _, frow := range e.facility.Query(QueryRequest{
				EntityID: facilityID,
				Start:    key.Bucket,
				End:      key.Bucket.Add(24 * time.Hour),
			}) {
				totalPower += frow.TotalPowerKW
				totalCooling += frow.CoolingKW
				contributing++
			}
		}

		if contributing == 0 {
			e.datacenter.Drop(key)
			continue
		}

		row := Row{
			EntityID:        key.EntityID,
			Bucket:          key.Bucket,
			TotalPowerKW:    totalPower,
			CoolingKW:       totalCooling,
			LastRefreshedAt: now,
		}
		if pue, ok := ratio(totalPower+totalCooling, totalPower); ok {
			row.PUE = pue
			row.Efficiency = ptr((totalPower - totalCooling) / totalPower)
			row.Rating = RatePUE(*pue)
		}
		if e.datacenter.Upsert(row) {
			metrics.RowsReplaced.WithLabelValues(ViewDatacenterEfficiency).Inc()
			e.notify(ViewDatacenterEfficiency, row)
		}
	}
	return nil
}

// markDatacenterDirty queues the day bucket of the facility's datacenter for
// recomputation. A facility whose datacenter cannot be resolved is dropped
// from the datacenter view, logged and counted; a parent is never fabricated.
func (e *Engine) markDatacenterDirty(facilityID string, hourBucket time.Time) {
	datacenterID, ok := e.catalog.ResolveFacility(facilityID)
	if !ok {
		metrics.ReferentialViolations.WithLabelValues(ViewDatacenterEfficiency).Inc()
		e.log.Warn("facility has no resolvable datacenter, excluded from datacenter rollup", "facility", facilityID)
		return
	}
	e.mu.Lock()
	e.dirtyDC[Key{EntityID: datacenterID, Bucket: DayBucket(hourBucket)}] = struct{}{}
	e.mu.Unlock()
}

// takeDirty swaps out a dirty set so a refresh works on a stable snapshot.
func (e *Engine) takeDirty(set *map[Key]struct{}) (map[Key]struct{}, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dirty := *set
	*set = make(map[Key]struct{})
	return dirty, time.Now().UTC()
}

// requeue puts not-yet-processed keys back after a cancelled refresh.
func (e *Engine) requeue(set *map[Key]struct{}, dirty map[Key]struct{}, from Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	(*set)[from] = struct{}{}
	for key := range dirty {
		if _, done := (*set)[key]; !done {
			(*set)[key] = struct{}{}
		}
	}
}

func (e *Engine) notify(view string, row Row) {
	if e.onRowChange != nil {
		e.onRowChange(view, row)
	}
}

func computeRackRow(key Key, sensors []telemetry.SensorReading, powers []telemetry.PowerReading, now time.Time) Row {
	var temps, hums []float64
	for _, s := range sensors {
		switch s.Type {
		case telemetry.ReadingTemperature:
			temps = append(temps, s.Value)
		case telemetry.ReadingHumidity:
			hums = append(hums, s.Value)
		}
	}

	var sumPower, sumCooling float64
	powerVals := make([]float64, 0, len(powers))
	coolingVals := make([]float64, 0, len(powers))
	for _, p := range powers {
		sumPower += p.PowerKW
		sumCooling += p.CoolingKW
		powerVals = append(powerVals, p.PowerKW)
		coolingVals = append(coolingVals, p.CoolingKW)
	}

	row := Row{
		EntityID:        key.EntityID,
		Bucket:          key.Bucket,
		AvgTempC:        mean(temps),
		AvgHumidity:     mean(hums),
		AvgPowerKW:      mean(powerVals),
		AvgCoolingKW:    mean(coolingVals),
		TotalPowerKW:    sumPower,
		CoolingKW:       sumCooling,
		LastRefreshedAt: now,
	}
	// A rack with zero power yields null PUE, not a division error.
	if pue, ok := ratio(sumPower+sumCooling, sumPower); ok {
		row.PUE = pue
		row.Efficiency = ptr((sumPower - sumCooling) / sumPower)
	}
	return row
}

func computeFacilityRow(key Key, powers []rackPower, temps, env []float64, now time.Time) Row {
	var sumPower, sumCooling float64
	racks := make(map[string]struct{})
	for _, p := range powers {
		sumPower += p.powerKW
		sumCooling += p.coolingKW
		racks[p.rackID] = struct{}{}
	}

	row := Row{
		EntityID:        key.EntityID,
		Bucket:          key.Bucket,
		AvgTempC:        mean(temps),
		ExternalTempC:   mean(env),
		TotalPowerKW:    sumPower,
		CoolingKW:       sumCooling,
		RacksActive:     len(racks),
		LastRefreshedAt: now,
	}
	if pue, ok := ratio(sumPower+sumCooling, sumPower); ok {
		row.PUE = pue
		row.Efficiency = ptr((sumPower - sumCooling) / sumPower)
		row.Rating = RatePUE(*pue)
	}
	if len(racks) > 0 {
		row.AvgPowerPerRack = ptr(sumPower / float64(len(racks)))
	}
	return row
}
