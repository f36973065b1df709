package rollup

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/eventstore/memory"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

func testCatalog() *catalog.Catalog {
	cat := catalog.New()
	cat.Apply(catalog.Topology{
		Datacenters: []catalog.Datacenter{{ID: "DC1"}},
		Facilities: []catalog.Facility{
			{ID: "F01", DatacenterID: "DC1"},
			{ID: "F02", DatacenterID: "DC1"},
			{ID: "F99", DatacenterID: "DC-GONE"},
		},
		Racks: []catalog.Rack{
			{ID: "R001", FacilityID: "F01"},
			{ID: "R002", FacilityID: "F01"},
			{ID: "R003", FacilityID: "F02"},
			{ID: "R099", FacilityID: "F99"},
		},
	})
	return cat
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine, err := NewEngine(Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:   store,
		Catalog: testCatalog(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, store
}

func appendSensor(t *testing.T, store *memory.Store, rackID, readingType string, value float64, at time.Time) {
	t.Helper()
	_, err := store.Append(context.Background(), telemetry.DomainSensor, map[string]any{
		"rack_id":  rackID,
		"type":     readingType,
		"value":    value,
		"event_ts": float64(at.UnixMilli()),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func appendPower(t *testing.T, store *memory.Store, rackID string, powerKW, coolingKW float64, at time.Time) {
	t.Helper()
	_, err := store.Append(context.Background(), telemetry.DomainPower, map[string]any{
		"rack_id":    rackID,
		"power_kw":   powerKW,
		"cooling_kw": coolingKW,
		"event_ts":   float64(at.UnixMilli()),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func runCycle(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	if err := e.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := e.RefreshRack(ctx); err != nil {
		t.Fatalf("RefreshRack failed: %v", err)
	}
	if err := e.RefreshFacility(ctx); err != nil {
		t.Fatalf("RefreshFacility failed: %v", err)
	}
	if err := e.RefreshDatacenter(ctx); err != nil {
		t.Fatalf("RefreshDatacenter failed: %v", err)
	}
}

func wantFloat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %g, got null", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s: expected %g, got %g", name, want, *got)
	}
}

func TestEngine_RackRollup(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)

	appendSensor(t, store, "R002", "temperature", 24, at)
	appendSensor(t, store, "R002", "temperature", 26, at.Add(10*time.Minute))
	appendSensor(t, store, "R002", "humidity", 50, at)
	appendPower(t, store, "R002", 6, 1.5, at)
	appendPower(t, store, "R002", 8, 2.5, at.Add(15*time.Minute))

	runCycle(t, engine)

	row, ok := engine.RackTable().Get(Key{EntityID: "R002", Bucket: HourBucket(at)})
	if !ok {
		t.Fatal("expected rack row")
	}
	wantFloat(t, "avg_temp_c", row.AvgTempC, 25)
	wantFloat(t, "avg_humidity", row.AvgHumidity, 50)
	wantFloat(t, "avg_power_kw", row.AvgPowerKW, 7)
	if row.TotalPowerKW != 14 || row.CoolingKW != 4 {
		t.Errorf("unexpected sums: power %g cooling %g", row.TotalPowerKW, row.CoolingKW)
	}
	wantFloat(t, "pue", row.PUE, 18.0/14.0)
	wantFloat(t, "efficiency", row.Efficiency, 10.0/14.0)
	if row.LastRefreshedAt.IsZero() {
		t.Error("expected refresh timestamp")
	}
}

func TestEngine_RackInnerJoin(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Power without sensor coverage, and the reverse: neither produces a
	// rack row.
	appendPower(t, store, "R001", 5, 1, at)
	appendSensor(t, store, "R002", "temperature", 22, at)

	runCycle(t, engine)

	if _, ok := engine.RackTable().Get(Key{EntityID: "R001", Bucket: at}); ok {
		t.Error("rack with power but no sensors must have no row")
	}
	if _, ok := engine.RackTable().Get(Key{EntityID: "R002", Bucket: at}); ok {
		t.Error("rack with sensors but no power must have no row")
	}

	// The facility view is a left join: R001's power still rolls up.
	frow, ok := engine.FacilityTable().Get(Key{EntityID: "F01", Bucket: at})
	if !ok {
		t.Fatal("expected facility row despite missing sensors")
	}
	if frow.TotalPowerKW != 5 || frow.RacksActive != 1 {
		t.Errorf("unexpected facility row: %+v", frow)
	}
	// Temperature from R002 contributes even though R002 has no power.
	wantFloat(t, "facility avg_temp_c", frow.AvgTempC, 22)
}

func TestEngine_ZeroPowerYieldsNullRatios(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendSensor(t, store, "R001", "temperature", 24, at)
	appendPower(t, store, "R001", 0, 0, at)

	runCycle(t, engine)

	row, ok := engine.RackTable().Get(Key{EntityID: "R001", Bucket: at})
	if !ok {
		t.Fatal("expected rack row")
	}
	if row.PUE != nil {
		t.Errorf("expected null pue, got %g", *row.PUE)
	}
	if row.Efficiency != nil {
		t.Errorf("expected null efficiency, got %g", *row.Efficiency)
	}
	if row.TotalPowerKW != 0 {
		t.Errorf("expected zero power sum, got %g", row.TotalPowerKW)
	}
}

func TestEngine_FacilityAggregation(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendPower(t, store, "R001", 10, 3, at)
	appendPower(t, store, "R001", 12, 3, at.Add(20*time.Minute))
	appendPower(t, store, "R002", 8, 2, at)

	runCycle(t, engine)

	row, ok := engine.FacilityTable().Get(Key{EntityID: "F01", Bucket: at})
	if !ok {
		t.Fatal("expected facility row")
	}
	if row.TotalPowerKW != 30 || row.CoolingKW != 8 {
		t.Errorf("unexpected sums: %+v", row)
	}
	if row.RacksActive != 2 {
		t.Errorf("expected 2 active racks, got %d", row.RacksActive)
	}
	wantFloat(t, "avg_power_per_rack", row.AvgPowerPerRack, 15)
	wantFloat(t, "pue", row.PUE, 38.0/30.0)
	if row.Rating != RatingExcellent {
		t.Errorf("expected excellent rating for pue %.3f, got %s", 38.0/30.0, row.Rating)
	}
}

func TestEngine_FacilityExternalTemp(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendPower(t, store, "R001", 10, 2, at)
	_, err := store.Append(context.Background(), telemetry.DomainFacility, map[string]any{
		"facility_id":       "F01",
		"external_temp_c":   15.0,
		"weather_condition": "clear",
		"power_status":      "grid",
		"event_ts":          float64(at.UnixMilli()),
	})
	if err != nil {
		t.Fatal(err)
	}

	runCycle(t, engine)

	row, ok := engine.FacilityTable().Get(Key{EntityID: "F01", Bucket: at})
	if !ok {
		t.Fatal("expected facility row")
	}
	wantFloat(t, "external_temp_c", row.ExternalTempC, 15)
}

func TestEngine_DatacenterDerivesFromSums(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// F01: pue 1.5, F02: pue 1.1. The daily datacenter ratio must come from
	// the summed power, not the mean of the two facility PUEs.
	appendPower(t, store, "R001", 10, 5, at)
	appendPower(t, store, "R003", 2, 0.2, at)

	runCycle(t, engine)

	row, ok := engine.DatacenterTable().Get(Key{EntityID: "DC1", Bucket: DayBucket(at)})
	if !ok {
		t.Fatal("expected datacenter row")
	}
	if row.TotalPowerKW != 12 || math.Abs(row.CoolingKW-5.2) > 1e-9 {
		t.Errorf("unexpected sums: %+v", row)
	}
	wantFloat(t, "pue", row.PUE, 17.2/12.0)

	meanOfPUEs := (1.5 + 1.1) / 2
	if math.Abs(*row.PUE-meanOfPUEs) < 1e-9 {
		t.Error("datacenter pue must not be the average of facility pues")
	}
	wantFloat(t, "efficiency", row.Efficiency, 6.8/12.0)
}

func TestEngine_DatacenterSpansFullDay(t *testing.T) {
	engine, store := newTestEngine(t)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Two hourly facility buckets of the same day roll into one daily row.
	appendPower(t, store, "R001", 10, 2, day.Add(3*time.Hour))
	appendPower(t, store, "R001", 6, 2, day.Add(20*time.Hour))
	// The next day stays separate.
	appendPower(t, store, "R001", 100, 50, day.Add(25*time.Hour))

	runCycle(t, engine)

	row, ok := engine.DatacenterTable().Get(Key{EntityID: "DC1", Bucket: day})
	if !ok {
		t.Fatal("expected datacenter row")
	}
	if row.TotalPowerKW != 16 || row.CoolingKW != 4 {
		t.Errorf("unexpected day sums: %+v", row)
	}

	next, ok := engine.DatacenterTable().Get(Key{EntityID: "DC1", Bucket: day.Add(24 * time.Hour)})
	if !ok {
		t.Fatal("expected next-day row")
	}
	if next.TotalPowerKW != 100 {
		t.Errorf("unexpected next-day sums: %+v", next)
	}
}

func TestEngine_DanglingFacilityExcludedFromDatacenter(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendPower(t, store, "R099", 10, 2, at)

	runCycle(t, engine)

	// The facility's own rollup still exists.
	if _, ok := engine.FacilityTable().Get(Key{EntityID: "F99", Bucket: at}); !ok {
		t.Error("expected facility row for F99")
	}
	// No datacenter row is fabricated for the missing parent.
	if engine.DatacenterTable().Len() != 0 {
		t.Error("expected no datacenter rows")
	}
}

func TestEngine_RepeatedCycleIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendSensor(t, store, "R001", "temperature", 24, at)
	appendPower(t, store, "R001", 10, 3, at)
	appendPower(t, store, "R003", 5, 1, at)

	runCycle(t, engine)

	snapshot := func() map[string][]Row {
		out := make(map[string][]Row)
		for name, table := range engine.Views() {
			out[name] = table.Query(QueryRequest{})
		}
		return out
	}

	before := snapshot()
	// No new events: a second cycle must leave every row byte-identical,
	// including refresh bookkeeping.
	runCycle(t, engine)
	after := snapshot()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("views changed without new events (-before +after):\n%s", diff)
	}
}

func TestEngine_LateEventUpdatesOnlyItsBucket(t *testing.T) {
	engine, store := newTestEngine(t)
	hour10 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hour11 := hour10.Add(time.Hour)

	appendSensor(t, store, "R001", "temperature", 24, hour10)
	appendPower(t, store, "R001", 10, 2, hour10)
	appendSensor(t, store, "R001", "temperature", 25, hour11)
	appendPower(t, store, "R001", 12, 2, hour11)

	runCycle(t, engine)

	before11, _ := engine.RackTable().Get(Key{EntityID: "R001", Bucket: hour11})

	// A late arrival for hour 10 recomputes that bucket in full.
	appendPower(t, store, "R001", 4, 1, hour10.Add(45*time.Minute))
	runCycle(t, engine)

	row10, ok := engine.RackTable().Get(Key{EntityID: "R001", Bucket: hour10})
	if !ok {
		t.Fatal("expected hour 10 row")
	}
	if row10.TotalPowerKW != 14 || row10.CoolingKW != 3 {
		t.Errorf("late event not folded into bucket sums: %+v", row10)
	}

	after11, _ := engine.RackTable().Get(Key{EntityID: "R001", Bucket: hour11})
	if diff := cmp.Diff(before11, after11); diff != "" {
		t.Errorf("untouched bucket changed:\n%s", diff)
	}
}

func TestEngine_RowChangeNotifications(t *testing.T) {
	store := memory.New()
	var changes []string
	engine, err := NewEngine(Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:   store,
		Catalog: testCatalog(),
		OnRowChange: func(view string, row Row) {
			changes = append(changes, view+"/"+row.EntityID)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendSensor(t, store, "R001", "temperature", 24, at)
	appendPower(t, store, "R001", 10, 2, at)

	runCycle(t, engine)

	want := map[string]bool{
		ViewRackPerformance + "/R001":     true,
		ViewFacilitySummary + "/F01":      true,
		ViewDatacenterEfficiency + "/DC1": true,
	}
	for _, change := range changes {
		delete(want, change)
	}
	if len(want) != 0 {
		t.Errorf("missing notifications: %v (got %v)", want, changes)
	}

	// An idempotent cycle emits nothing.
	changes = nil
	runCycle(t, engine)
	if len(changes) != 0 {
		t.Errorf("unexpected notifications on unchanged cycle: %v", changes)
	}
}

func TestEngine_SkippedEventsDoNotPoisonCycle(t *testing.T) {
	engine, store := newTestEngine(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// A malformed event between two good ones is skipped, not fatal.
	appendSensor(t, store, "R001", "temperature", 24, at)
	store.Append(context.Background(), telemetry.DomainSensor, map[string]any{
		"rack_id": "R-UNKNOWN",
		"type":    "temperature",
		"value":   1.0,
	})
	appendPower(t, store, "R001", 10, 2, at)

	runCycle(t, engine)

	if _, ok := engine.RackTable().Get(Key{EntityID: "R001", Bucket: at}); !ok {
		t.Error("valid readings around a skipped event must still roll up")
	}
}
