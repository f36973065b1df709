// Package refresh drives the periodic recomputation of the derived views in
// dependency order.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/rackwatch/rackwatch/pkg/metrics"
)

const (
	defaultTickInterval   = 15 * time.Second
	defaultMaxConcurrency = 4
	defaultMaxTries       = 3

	// A view is considered unhealthy after missing this many lag targets
	// in a row.
	staleMultiplier = 3
)

// RefreshFunc rebuilds one view's dirty buckets.
type RefreshFunc func(ctx context.Context) error

// ViewSpec declares one derived view to the scheduler.
type ViewSpec struct {
	Name string

	// DependsOn lists views that must refresh earlier in the same cycle.
	DependsOn []string

	// TargetLag is the freshness target; the view reports stale when its
	// last successful refresh is older than this.
	TargetLag time.Duration

	Refresh RefreshFunc
}

// Config configures the refresh scheduler.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TickInterval is the cadence of refresh cycles.
	TickInterval time.Duration

	// MaxConcurrency caps how many views refresh in parallel within a
	// dependency level.
	MaxConcurrency int

	// MaxTries bounds refresh attempts per view per cycle.
	MaxTries int

	// BeforeCycle runs once at the start of every cycle, before any view
	// refreshes (the event store sync). A failure aborts the cycle.
	BeforeCycle func(ctx context.Context) error

	Views []ViewSpec
}

// Scheduler refreshes the view DAG on a fixed cadence. Views in the same
// dependency level run concurrently on a shared pool; a failed view blocks
// its dependents for the remainder of the cycle so they never aggregate
// half-refreshed input.
type Scheduler struct {
	log         *slog.Logger
	clock       clockwork.Clock
	tick        time.Duration
	maxTries    int
	beforeCycle func(ctx context.Context) error

	views  map[string]ViewSpec
	order  []string
	levels [][]string

	pool     pond.Pool
	monitors map[string]*ViewMonitor
}

// New validates the view graph and builds a scheduler. The dependency graph
// must be acyclic and closed over the configured views.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		return nil, errors.New("refresh: logger is required")
	}
	if len(cfg.Views) == 0 {
		return nil, errors.New("refresh: at least one view is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaultMaxTries
	}

	levels, err := TopoLevels(cfg.Views)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	s := &Scheduler{
		log:         cfg.Logger.With("component", "refresh"),
		clock:       cfg.Clock,
		tick:        cfg.TickInterval,
		maxTries:    cfg.MaxTries,
		beforeCycle: cfg.BeforeCycle,
		views:       make(map[string]ViewSpec, len(cfg.Views)),
		levels:      levels,
		pool:        pond.NewPool(cfg.MaxConcurrency),
		monitors:    make(map[string]*ViewMonitor, len(cfg.Views)),
	}
	for _, v := range cfg.Views {
		if v.Refresh == nil {
			return nil, fmt.Errorf("refresh: view %q has no refresh function", v.Name)
		}
		if v.TargetLag <= 0 {
			return nil, fmt.Errorf("refresh: view %q has no target lag", v.Name)
		}
		s.views[v.Name] = v
		s.order = append(s.order, v.Name)
		s.monitors[v.Name] = NewViewMonitor(cfg.Clock, staleMultiplier*v.TargetLag)
	}
	return s, nil
}

// Levels exposes the computed refresh order, outermost dependency first.
func (s *Scheduler) Levels() [][]string {
	return s.levels
}

// Run refreshes all views once immediately, then on every tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("refresh scheduler started", "tick", s.tick, "levels", s.levels)
	defer s.pool.StopAndWait()

	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("initial refresh cycle failed", "error", err)
	}

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("refresh scheduler stopping")
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("refresh cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one full refresh cycle: the before-cycle hook, then each
// dependency level in order. It is exported so callers (and tests) can drive
// cycles without the ticker.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if s.beforeCycle != nil {
		if err := s.beforeCycle(ctx); err != nil {
			for _, name := range s.order {
				metrics.RefreshTotal.WithLabelValues(name, "aborted").Inc()
			}
			return fmt.Errorf("pre-cycle sync failed: %w", err)
		}
	}

	var mu sync.Mutex
	failed := make(map[string]bool, len(s.views))

	for _, level := range s.levels {
		group := s.pool.NewGroup()
		for _, name := range level {
			// Dependencies all live in earlier levels, so the failed
			// set is settled by the time this level starts.
			if dep, blocked := s.blockedBy(name, failed); blocked {
				failed[name] = true
				metrics.RefreshTotal.WithLabelValues(name, "blocked").Inc()
				s.log.Warn("view blocked this cycle, dependency failed", "view", name, "dependency", dep)
				continue
			}

			group.SubmitErr(func() error {
				if err := s.refreshView(ctx, name); err != nil {
					mu.Lock()
					failed[name] = true
					mu.Unlock()
					return err
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
	}

	s.publishLag()
	return nil
}

// blockedBy reports whether any of name's dependencies failed this cycle.
func (s *Scheduler) blockedBy(name string, failed map[string]bool) (string, bool) {
	for _, dep := range s.views[name].DependsOn {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

// refreshView runs one view's refresh with bounded retries.
func (s *Scheduler) refreshView(ctx context.Context, name string) error {
	spec := s.views[name]
	monitor := s.monitors[name]
	start := s.clock.Now()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, spec.Refresh(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.maxTries)),
	)

	elapsed := s.clock.Since(start)
	metrics.RefreshDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		monitor.RecordFailure(err)
		metrics.RefreshTotal.WithLabelValues(name, "failure").Inc()
		s.log.Error("view refresh failed", "view", name, "error", err, "duration", elapsed)
		return err
	}

	monitor.RecordSuccess(elapsed)
	metrics.RefreshTotal.WithLabelValues(name, "success").Inc()
	s.log.Debug("view refreshed", "view", name, "duration", elapsed)
	return nil
}

// publishLag updates the staleness gauges at the end of a cycle.
func (s *Scheduler) publishLag() {
	for name, monitor := range s.monitors {
		if last := monitor.LastSuccess(); !last.IsZero() {
			metrics.ViewLagSeconds.WithLabelValues(name).Set(s.clock.Since(last).Seconds())
		}
	}
}

// Status reports the refresh state of every view.
func (s *Scheduler) Status() map[string]ViewStatus {
	out := make(map[string]ViewStatus, len(s.views))
	for name, monitor := range s.monitors {
		out[name] = monitor.Status(s.views[name].TargetLag)
	}
	return out
}

// Healthy reports whether every view is refreshing within its health window.
func (s *Scheduler) Healthy() bool {
	for _, monitor := range s.monitors {
		if !monitor.IsHealthy() {
			return false
		}
	}
	return true
}
