// ABOUTME: Redis-backed dedupe window shared between gateway replicas.
// ABOUTME: Uses SET NX with expiry so the first replica to see a key wins.

package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "inbox:dedupe:"

// RedisMarker implements Marker on top of a Redis server.
type RedisMarker struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisMarker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisMarker{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "dedupe"),
	}, nil
}

// CheckAndMark sets the key only if absent. Redis errors are logged and the
// key is treated as new, so an outage never drops customer messages.
func (r *RedisMarker) CheckAndMark(ctx context.Context, key string) bool {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		r.logger.Warn("dedupe check failed, accepting event", "key", key, "error", err)
		return false
	}
	return !ok
}

// Close closes the Redis connection.
func (r *RedisMarker) Close() error {
	return r.client.Close()
}
