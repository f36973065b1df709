package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/rackwatch/rackwatch/pkg/config"
	"github.com/rackwatch/rackwatch/pkg/eventstore"
	badgerstore "github.com/rackwatch/rackwatch/pkg/eventstore/badger"
)

// RunBadgerGC runs badger value log garbage collection periodically. The
// event store is append-only but badger's LSM still accumulates garbage from
// compactions; without GC the value log grows unbounded.
func RunBadgerGC(ctx context.Context, log *slog.Logger, store eventstore.Store) {
	badgerStore, ok := store.(*badgerstore.Store)
	if !ok {
		log.Info("event store is not badger, skipping GC")
		return
	}

	log.Info("badger GC scheduler started", "interval", config.BadgerGCInterval)
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("badger GC scheduler stopping")
			return
		case <-ticker.C:
			start := time.Now()
			// One iteration per tick to avoid long stalls; ErrNoRewrite
			// just means there was nothing to reclaim.
			if err := badgerStore.RunGC(config.BadgerGCDiscardRatio); err != nil {
				log.Debug("badger GC found nothing to reclaim", "duration", time.Since(start).Round(time.Millisecond))
			} else {
				log.Info("badger GC reclaimed space", "duration", time.Since(start).Round(time.Millisecond))
			}
		}
	}
}
