// ABOUTME: Per-customer debounce batcher with a sliding quiet window
// ABOUTME: Closed batches are handed to a flush callback, usually the sequencer

package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/inbox-gateway/internal/metrics"
)

// DefaultDebounceWindow is the quiet period that closes a batch.
const DefaultDebounceWindow = 5 * time.Second

// ErrBatcherClosed is returned by Ingest after Close.
var ErrBatcherClosed = errors.New("batcher is closed")

// FlushFunc receives each closed batch. It is called without locks held.
type FlushFunc func(batch Batch)

type openBatch struct {
	events []Event
	// gen is reassigned on every reschedule; a timer whose gen is stale is a no-op.
	gen   uint64
	timer *time.Timer
}

// Batcher coalesces bursts of events per customer.
type Batcher struct {
	window time.Duration
	flush  FlushFunc
	logger *slog.Logger

	mu     sync.Mutex
	open   map[string]*openBatch
	seq    uint64
	closed bool
}

// NewBatcher creates a batcher. A non-positive window uses DefaultDebounceWindow.
func NewBatcher(window time.Duration, flush FlushFunc, logger *slog.Logger) *Batcher {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		window: window,
		flush:  flush,
		logger: logger.With("component", "batcher"),
		open:   make(map[string]*openBatch),
	}
}

// Ingest adds ev to the customer's open batch, or opens one, and restarts the
// debounce timer for the full window.
func (b *Batcher) Ingest(key string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBatcherClosed
	}

	ob, ok := b.open[key]
	if !ok {
		ob = &openBatch{}
		b.open[key] = ob
	} else {
		ob.timer.Stop()
	}

	ob.events = append(ob.events, ev)
	b.seq++
	ob.gen = b.seq
	gen := ob.gen
	ob.timer = time.AfterFunc(b.window, func() { b.fire(key, gen) })

	b.logger.Debug("event batched", "customer", key, "batch_size", len(ob.events))
	return nil
}

func (b *Batcher) fire(key string, gen uint64) {
	b.mu.Lock()
	ob, ok := b.open[key]
	if !ok || ob.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.open, key)
	b.mu.Unlock()

	b.emit(key, ob.events)
}

func (b *Batcher) emit(key string, events []Event) {
	metrics.BatchSize.Observe(float64(len(events)))
	b.logger.Debug("batch closed", "customer", key, "batch_size", len(events))
	b.flush(Batch{Key: key, Events: events})
}

// Pending returns the number of customers with an open batch.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Close stops every timer and flushes all open batches immediately.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.open
	b.open = make(map[string]*openBatch)
	for _, ob := range pending {
		ob.timer.Stop()
	}
	b.mu.Unlock()

	for key, ob := range pending {
		b.emit(key, ob.events)
	}
	if len(pending) > 0 {
		b.logger.Info("flushed open batches on close", "count", len(pending))
	}
	return nil
}
