package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Validation(t *testing.T) {
	okView := ViewSpec{
		Name:      "a",
		TargetLag: time.Minute,
		Refresh:   func(context.Context) error { return nil },
	}

	if _, err := New(Config{Views: []ViewSpec{okView}}); err == nil {
		t.Error("expected error without logger")
	}
	if _, err := New(Config{Logger: discardLogger()}); err == nil {
		t.Error("expected error without views")
	}

	noFn := okView
	noFn.Refresh = nil
	if _, err := New(Config{Logger: discardLogger(), Views: []ViewSpec{noFn}}); err == nil {
		t.Error("expected error for view without refresh function")
	}

	noLag := okView
	noLag.TargetLag = 0
	if _, err := New(Config{Logger: discardLogger(), Views: []ViewSpec{noLag}}); err == nil {
		t.Error("expected error for view without target lag")
	}

	cyclic := []ViewSpec{
		{Name: "a", DependsOn: []string{"b"}, TargetLag: time.Minute, Refresh: okView.Refresh},
		{Name: "b", DependsOn: []string{"a"}, TargetLag: time.Minute, Refresh: okView.Refresh},
	}
	if _, err := New(Config{Logger: discardLogger(), Views: cyclic}); !errors.Is(err, ErrScheduleDeadlock) {
		t.Errorf("expected ErrScheduleDeadlock, got %v", err)
	}
}

func TestScheduler_RunCycleRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) RefreshFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	s, err := New(Config{
		Logger: discardLogger(),
		Clock:  clockwork.NewFakeClock(),
		Views: []ViewSpec{
			{Name: "datacenter", DependsOn: []string{"facility"}, TargetLag: time.Minute, Refresh: record("datacenter")},
			{Name: "facility", DependsOn: []string{"rack"}, TargetLag: time.Minute, Refresh: record("facility")},
			{Name: "rack", TargetLag: time.Minute, Refresh: record("rack")},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	want := []string{"rack", "facility", "datacenter"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 refreshes, got %v", order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected refresh order %v, got %v", want, order)
		}
	}

	if !s.Healthy() {
		t.Error("expected healthy scheduler after clean cycle")
	}
	for name, status := range s.Status() {
		if !status.Healthy || status.Stale {
			t.Errorf("view %s: expected healthy and fresh, got %+v", name, status)
		}
	}
}

func TestScheduler_FailedViewBlocksDependents(t *testing.T) {
	var facilityRuns, datacenterRuns int

	s, err := New(Config{
		Logger:   discardLogger(),
		Clock:    clockwork.NewFakeClock(),
		MaxTries: 1,
		Views: []ViewSpec{
			{Name: "rack", TargetLag: time.Minute, Refresh: func(context.Context) error {
				return errors.New("store unavailable")
			}},
			{Name: "facility", DependsOn: []string{"rack"}, TargetLag: time.Minute, Refresh: func(context.Context) error {
				facilityRuns++
				return nil
			}},
			{Name: "datacenter", DependsOn: []string{"facility"}, TargetLag: time.Minute, Refresh: func(context.Context) error {
				datacenterRuns++
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// A view failure is contained to the cycle, not surfaced as a cycle
	// error.
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if facilityRuns != 0 || datacenterRuns != 0 {
		t.Errorf("dependents ran behind a failed view: facility=%d datacenter=%d", facilityRuns, datacenterRuns)
	}
	if s.Healthy() {
		t.Error("expected unhealthy scheduler after failed cycle")
	}

	status := s.Status()["rack"]
	if status.Healthy || status.ConsecutiveErrors != 1 || status.LastError == "" {
		t.Errorf("unexpected rack status: %+v", status)
	}
}

func TestScheduler_BeforeCycleFailureAbortsCycle(t *testing.T) {
	var refreshed bool
	syncErr := errors.New("event store down")

	s, err := New(Config{
		Logger:      discardLogger(),
		Clock:       clockwork.NewFakeClock(),
		BeforeCycle: func(context.Context) error { return syncErr },
		Views: []ViewSpec{
			{Name: "rack", TargetLag: time.Minute, Refresh: func(context.Context) error {
				refreshed = true
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.RunCycle(context.Background()); !errors.Is(err, syncErr) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if refreshed {
		t.Error("no view may refresh when the pre-cycle sync fails")
	}
}

func TestScheduler_RetriesFlakyRefresh(t *testing.T) {
	attempts := 0

	s, err := New(Config{
		Logger:   discardLogger(),
		Clock:    clockwork.NewFakeClock(),
		MaxTries: 3,
		Views: []ViewSpec{
			{Name: "rack", TargetLag: time.Minute, Refresh: func(context.Context) error {
				attempts++
				if attempts < 2 {
					return errors.New("transient")
				}
				return nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if !s.Healthy() {
		t.Error("a refresh that succeeds within its retry budget is healthy")
	}
}

func TestScheduler_ViewGoesStaleWithoutRefreshes(t *testing.T) {
	clock := clockwork.NewFakeClock()

	s, err := New(Config{
		Logger: discardLogger(),
		Clock:  clock,
		Views: []ViewSpec{
			{Name: "rack", TargetLag: time.Minute, Refresh: func(context.Context) error { return nil }},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Healthy() {
		t.Fatal("expected healthy after cycle")
	}

	// Past the target lag the view reports stale but stays healthy until
	// the wider staleness window runs out.
	clock.Advance(2 * time.Minute)
	status := s.Status()["rack"]
	if !status.Stale {
		t.Error("expected stale view past its target lag")
	}
	if !s.Healthy() {
		t.Error("expected still healthy within the staleness window")
	}

	clock.Advance(5 * time.Minute)
	if s.Healthy() {
		t.Error("expected unhealthy once the staleness window is exceeded")
	}
}

func TestScheduler_CancelledContextStopsCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := New(Config{
		Logger: discardLogger(),
		Clock:  clockwork.NewFakeClock(),
		Views: []ViewSpec{
			{Name: "rack", TargetLag: time.Minute, Refresh: func(ctx context.Context) error {
				return ctx.Err()
			}},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
