// ABOUTME: Publishes inbox events to a RabbitMQ topic exchange
// ABOUTME: Waits for broker confirms; Nop publisher is used when no broker is configured

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher sends envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange over one confirm-mode channel.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher declares the exchange on conn and puts a channel in confirm mode.
func NewAMQPPublisher(conn *amqp091.Connection, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enabling confirms: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish sends env with the given routing key and waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.Meta.ID,
			Timestamp:    time.Now(),
			Type:         env.Meta.Type,
			AppId:        Producer,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}

	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	chErr := p.ch.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return chErr
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, Envelope) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
