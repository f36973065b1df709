// Command server runs the rackwatch telemetry pipeline: event ingestion,
// incremental view refresh and the query API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/rackwatch/rackwatch/pkg/server"
)

func main() {
	settings := server.DefaultSettings()
	var verbose bool

	pflag.StringVar(&settings.Port, "port", settings.Port, "HTTP listen port")
	pflag.StringVar(&settings.DataDir, "data-dir", settings.DataDir, "event store data directory")
	pflag.BoolVar(&settings.InMemory, "in-memory", false, "use the in-memory event store (no persistence)")
	pflag.Int64Var(&settings.MaxMemoryMB, "max-memory-mb", settings.MaxMemoryMB, "badger memtable budget in MB")
	pflag.Int64Var(&settings.MaxStorageGB, "max-storage-gb", settings.MaxStorageGB, "storage usage reporting limit in GB")
	pflag.StringVar(&settings.CatalogPath, "catalog", "", "path to a topology JSON file to bootstrap the catalog")
	pflag.DurationVar(&settings.TickInterval, "tick-interval", settings.TickInterval, "refresh cycle cadence")
	pflag.IntVar(&settings.MaxConcurrency, "max-concurrency", settings.MaxConcurrency, "concurrent view refreshes per dependency level")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	}))
	slog.SetDefault(log)

	app, err := server.NewApp(log, settings)
	if err != nil {
		log.Error("failed to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
