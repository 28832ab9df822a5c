// ABOUTME: Dials the message broker with exponential backoff
// ABOUTME: Respects context cancellation so shutdown is not blocked by a missing broker

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// maxDelay caps the backoff between dial attempts.
const maxDelay = 60 * time.Second

// DialOptions configures DialWithRetry.
type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// DialWithRetry connects to the broker, doubling the delay after each failure.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	var lastErr error
	sleep := opts.Delay
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if attempt > 1 {
				opts.Logger.Info("broker connected", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err

		if attempt == opts.Attempts {
			break
		}

		opts.Logger.Warn("broker dial failed",
			"attempt", attempt,
			"sleep", sleep,
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		sleep = min(sleep*2, maxDelay)
	}

	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", opts.Attempts, lastErr)
}

// Connect dials url and returns a publisher on the given exchange.
// An empty url yields the Nop publisher.
func Connect(ctx context.Context, url, exchange string, logger *slog.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}

	conn, err := DialWithRetry(ctx, DialOptions{
		URL:      url,
		Attempts: 5,
		Delay:    time.Second,
		Logger:   logger.With("component", "events"),
	})
	if err != nil {
		return nil, err
	}

	pub, err := NewAMQPPublisher(conn, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return pub, nil
}
