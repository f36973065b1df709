// Package server wires the pipeline together: event store, catalog, rollup
// engine, refresh scheduler and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/rackwatch/rackwatch/pkg/catalog"
	"github.com/rackwatch/rackwatch/pkg/config"
	"github.com/rackwatch/rackwatch/pkg/eventstore"
	badgerstore "github.com/rackwatch/rackwatch/pkg/eventstore/badger"
	"github.com/rackwatch/rackwatch/pkg/eventstore/memory"
	"github.com/rackwatch/rackwatch/pkg/ingest"
	"github.com/rackwatch/rackwatch/pkg/refresh"
	"github.com/rackwatch/rackwatch/pkg/rollup"
	"github.com/rackwatch/rackwatch/pkg/server/monitor"
)

// Settings holds server configuration, populated from flags in cmd/server.
type Settings struct {
	Port           string
	DataDir        string
	InMemory       bool
	MaxMemoryMB    int64
	MaxStorageGB   int64
	CatalogPath    string
	TickInterval   time.Duration
	MaxConcurrency int
}

// DefaultSettings returns the out-of-the-box configuration. Environment
// variables override the compiled defaults; flags override both.
func DefaultSettings() Settings {
	return Settings{
		Port:           getEnv("PORT", config.DefaultPort),
		DataDir:        getEnv("RACKWATCH_DATA_DIR", config.DefaultDataDir),
		MaxMemoryMB:    getEnvInt64("RACKWATCH_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		MaxStorageGB:   getEnvInt64("RACKWATCH_MAX_STORAGE_GB", 1),
		TickInterval:   config.DefaultTickInterval,
		MaxConcurrency: config.DefaultMaxConcurrency,
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// App is the assembled server.
type App struct {
	Log       *slog.Logger
	Store     eventstore.Store
	Catalog   *catalog.Catalog
	Engine    *rollup.Engine
	Scheduler *refresh.Scheduler
	Hub       *ingest.ViewHub
	Router    *mux.Router

	settings       Settings
	storageMonitor *monitor.StorageMonitor
	startTime      time.Time
}

// NewApp builds the full pipeline from settings.
func NewApp(log *slog.Logger, settings Settings) (*App, error) {
	store, err := openStore(log, settings)
	if err != nil {
		return nil, err
	}

	cat, err := openCatalog(log, settings)
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := ingest.NewViewHub(log)

	engine, err := rollup.NewEngine(rollup.Config{
		Logger:      log,
		Store:       store,
		Catalog:     cat,
		OnRowChange: hub.BroadcastRow,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	scheduler, err := refresh.New(refresh.Config{
		Logger:         log,
		Clock:          clockwork.NewRealClock(),
		TickInterval:   settings.TickInterval,
		MaxConcurrency: settings.MaxConcurrency,
		BeforeCycle:    engine.Sync,
		Views: []refresh.ViewSpec{
			{
				Name:      rollup.ViewRackPerformance,
				TargetLag: config.RackTargetLag,
				Refresh:   engine.RefreshRack,
			},
			{
				Name:      rollup.ViewFacilitySummary,
				DependsOn: []string{rollup.ViewRackPerformance},
				TargetLag: config.FacilityTargetLag,
				Refresh:   engine.RefreshFacility,
			},
			{
				Name:      rollup.ViewDatacenterEfficiency,
				DependsOn: []string{rollup.ViewFacilitySummary},
				TargetLag: config.DatacenterTargetLag,
				Refresh:   engine.RefreshDatacenter,
			},
		},
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		Log:            log,
		Store:          store,
		Catalog:        cat,
		Engine:         engine,
		Scheduler:      scheduler,
		Hub:            hub,
		settings:       settings,
		storageMonitor: monitor.NewStorageMonitor(settings.DataDir, settings.MaxStorageGB*1024*1024*1024),
		startTime:      time.Now(),
	}

	app.Router = mux.NewRouter()
	app.setupRoutes(app.Router)
	return app, nil
}

// Run starts the background tasks and the HTTP server, blocking until ctx is
// cancelled, then shuts everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Log.Error("scheduler stopped", "error", err)
		}
	}()

	if !a.settings.InMemory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RunBadgerGC(ctx, a.Log, a.Store)
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + a.settings.Port,
		Handler:      a.Router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	a.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("http shutdown incomplete", "error", err)
	}

	wg.Wait()
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("event store close failed", "error", err)
	}
	a.Log.Info("server exited cleanly")
	return nil
}

func openStore(log *slog.Logger, settings Settings) (eventstore.Store, error) {
	if settings.InMemory {
		log.Info("using in-memory event store")
		return memory.New(), nil
	}

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log.Info("opening badger event store", "dir", settings.DataDir, "max_memory_mb", settings.MaxMemoryMB)
	store, err := badgerstore.New(badgerstore.Config{
		Path:        settings.DataDir,
		MaxMemoryMB: settings.MaxMemoryMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	return store, nil
}

func openCatalog(log *slog.Logger, settings Settings) (*catalog.Catalog, error) {
	if settings.CatalogPath == "" {
		log.Info("starting with empty catalog, topology comes via the admin API")
		return catalog.New(), nil
	}
	cat, err := catalog.Load(settings.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	topo := cat.Snapshot()
	log.Info("catalog loaded",
		"path", settings.CatalogPath,
		"datacenters", len(topo.Datacenters),
		"facilities", len(topo.Facilities),
		"racks", len(topo.Racks),
		"sensors", len(topo.Sensors))
	return cat, nil
}
