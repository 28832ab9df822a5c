// ABOUTME: Webhook delivery deduplication keyed by channel message id.
// ABOUTME: Chooses between the in-process window and the shared Redis window.

// Package dedupe drops channel webhook deliveries that were already accepted
// within a configurable window. Messenger retries deliveries it considers
// unacknowledged, so the same message id can arrive more than once.
package dedupe

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxKeys bounds the in-process window.
const DefaultMaxKeys = 10000

// Marker records keys and reports repeats.
type Marker interface {
	// CheckAndMark returns true if key was already marked inside the window.
	// Otherwise it marks key and returns false.
	CheckAndMark(ctx context.Context, key string) bool
	Close() error
}

// New returns a Redis marker when redisURL is set and an in-process one otherwise.
func New(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (Marker, error) {
	if redisURL == "" {
		return NewMemory(ttl, DefaultMaxKeys), nil
	}
	return NewRedis(ctx, redisURL, ttl, logger)
}
