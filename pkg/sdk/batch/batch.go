// Package batch accumulates telemetry events per domain and flushes them on
// size or time triggers.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rackwatch/rackwatch/pkg/sdk/transport"
	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// Config holds configuration for the batcher.
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher batches events per domain and sends them periodically.
type Batcher struct {
	config    Config
	transport transport.Transport

	events map[telemetry.Domain][]map[string]any
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Prevents concurrent flushes so a burst of Adds cannot spawn
	// unbounded sender goroutines.
	flushing atomic.Bool
}

// New creates a new batcher.
func New(t transport.Transport, config Config) *Batcher {
	return &Batcher{
		config:    config,
		transport: t,
		events:    make(map[telemetry.Domain][]map[string]any),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
	return nil
}

// Add queues an event for its domain, flushing early when any domain's batch
// is full.
func (b *Batcher) Add(domain telemetry.Domain, payload map[string]any) {
	b.mu.Lock()
	b.events[domain] = append(b.events[domain], payload)
	shouldFlush := len(b.events[domain]) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flush()
			b.flushing.Store(false)
		}()
	}
}

// Flush synchronously sends all pending events.
func (b *Batcher) Flush() error {
	pending := b.take()
	var errs []error
	for domain, events := range pending {
		if err := b.send(domain, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops the flush loop and sends whatever is still queued.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
	return b.Flush()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flush()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) flush() {
	for domain, events := range b.take() {
		go b.send(domain, events)
	}
}

// take swaps out all pending event buffers under the lock.
func (b *Batcher) take() map[telemetry.Domain][]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.events
	b.events = make(map[telemetry.Domain][]map[string]any)
	return pending
}

func (b *Batcher) send(domain telemetry.Domain, events []map[string]any) error {
	ctx := b.ctx
	if ctx == nil || ctx.Err() != nil {
		// Stopped batchers still flush over a fresh context.
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.transport.Send(sendCtx, domain, events)
}
