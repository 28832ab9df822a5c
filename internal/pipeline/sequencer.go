// ABOUTME: Per-customer FIFO sequencer: one drain goroutine per busy customer
// ABOUTME: Batches of one customer run in order; different customers run concurrently

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/inbox-gateway/internal/metrics"
)

// ErrSequencerStopped is returned by Submit after Stop.
var ErrSequencerStopped = errors.New("sequencer is stopped")

// BatchHandler processes one closed batch.
type BatchHandler interface {
	Process(ctx context.Context, batch Batch) (*Outcome, error)
}

type jobResult struct {
	outcome *Outcome
	err     error
}

type job struct {
	ctx    context.Context
	batch  Batch
	result chan jobResult
}

// Sequencer serializes batch processing per customer.
type Sequencer struct {
	handler BatchHandler
	logger  *slog.Logger
	wg      sync.WaitGroup

	// abort is cancelled when Wait gives up; running batches see it on their ctx.
	abort     context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	queues  map[string][]*job
	stopped bool
}

// NewSequencer creates a sequencer that hands batches to handler.
func NewSequencer(handler BatchHandler, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	abort, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		handler:   handler,
		logger:    logger.With("component", "sequencer"),
		abort:     abort,
		cancelRun: cancel,
		queues:    make(map[string][]*job),
	}
}

// Enqueue queues batch behind the customer's earlier batches.
func (s *Sequencer) Enqueue(key string, batch Batch) {
	if !s.push(key, &job{ctx: context.Background(), batch: batch}) {
		s.logger.Error("batch dropped, sequencer stopped", "customer", key, "batch_size", len(batch.Events))
	}
}

// Submit queues batch and waits for its outcome. Cancelling ctx stops the
// wait but not the processing of an already queued batch.
func (s *Sequencer) Submit(ctx context.Context, key string, batch Batch) (*Outcome, error) {
	j := &job{
		ctx:    context.WithoutCancel(ctx),
		batch:  batch,
		result: make(chan jobResult, 1),
	}
	if !s.push(key, j) {
		return nil, ErrSequencerStopped
	}

	select {
	case res := <-j.result:
		return res.outcome, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Sequencer) push(key string, j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	queue, busy := s.queues[key]
	s.queues[key] = append(queue, j)
	if !busy {
		s.wg.Add(1)
		go s.drain(key)
	}
	return true
}

// next pops the customer's next job. When the queue is empty the record is
// deleted under the same lock, so a later push starts a new drain.
func (s *Sequencer) next(key string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[key]
	if len(queue) == 0 {
		delete(s.queues, key)
		return nil, false
	}
	j := queue[0]
	queue[0] = nil
	s.queues[key] = queue[1:]
	return j, true
}

func (s *Sequencer) drain(key string) {
	defer s.wg.Done()

	for {
		j, ok := s.next(key)
		if !ok {
			return
		}

		outcome, err := s.run(j)
		if err != nil {
			s.logger.Error("batch failed",
				"customer", key,
				"batch_size", len(j.batch.Events),
				"error", err)
		}
		if j.result != nil {
			j.result <- jobResult{outcome: outcome, err: err}
		}
	}
}

func (s *Sequencer) run(j *job) (outcome *Outcome, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.BatchFailures.WithLabelValues("panic").Inc()
			err = fmt.Errorf("panic processing batch: %v", r)
		}
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		metrics.BatchesProcessed.WithLabelValues(string(j.batch.Source())).Inc()
	}()

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	unlink := context.AfterFunc(s.abort, cancel)
	defer unlink()
	return s.handler.Process(ctx, j.batch)
}

// Busy returns the number of customers with queued or running batches.
func (s *Sequencer) Busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// Stop rejects new batches. Queued batches still run.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Wait blocks until every drain goroutine has exited or ctx is done. When
// ctx ends first, running batches have their contexts cancelled and queued
// ones are dropped; Wait then returns ctx.Err() without waiting further.
func (s *Sequencer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	dropped := 0
	for key, queue := range s.queues {
		for _, j := range queue {
			if j.result != nil {
				j.result <- jobResult{err: ErrSequencerStopped}
			}
		}
		dropped += len(queue)
		s.queues[key] = queue[:0]
	}
	s.mu.Unlock()
	s.cancelRun()
	if dropped > 0 {
		s.logger.Warn("shutdown deadline reached, queued batches dropped", "dropped", dropped)
	}
	return ctx.Err()
}
