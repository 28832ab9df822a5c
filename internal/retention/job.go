// ABOUTME: Scheduled job that clears expired image message content
// ABOUTME: Ticks on a cron expression parsed with gronx

package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/2389/inbox-gateway/internal/metrics"
)

// Cleaner nulls the content of image messages created before olderThan.
type Cleaner interface {
	ClearExpiredImages(ctx context.Context, olderThan time.Time) (int64, error)
}

// Job clears expired images on a cron schedule.
type Job struct {
	cleaner  Cleaner
	schedule string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a job. schedule is a five-field cron expression.
func New(cleaner Cleaner, schedule string, ttl time.Duration, logger *slog.Logger) (*Job, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("retention ttl must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		cleaner:  cleaner,
		schedule: schedule,
		ttl:      ttl,
		logger:   logger.With("component", "retention"),
		now:      time.Now,
	}, nil
}

// Next returns the first tick strictly after ref.
func (j *Job) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.schedule, ref, false)
}

// RunOnce clears images older than the ttl and returns how many were cleared.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.ttl)
	n, err := j.cleaner.ClearExpiredImages(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clearing expired images: %w", err)
	}
	metrics.RetentionCleared.Add(float64(n))
	j.logger.Info("expired images cleared", "count", n, "cutoff", cutoff)
	return n, nil
}

// Run ticks until ctx is cancelled. A failed tick is logged and the job
// waits for the next one.
func (j *Job) Run(ctx context.Context) error {
	for {
		next, err := j.Next(j.now())
		if err != nil {
			return fmt.Errorf("computing next tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("retention tick failed", "error", err)
		}
	}
}
