// ABOUTME: Notifier that fans inbox events out to live connections and the broker
// ABOUTME: Broker publishes run on one background worker behind a bounded queue

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/inbox-gateway/internal/events"
	"github.com/2389/inbox-gateway/internal/metrics"
)

const (
	publishQueueSize = 256
	publishTimeout   = 10 * time.Second
)

// liveBroadcaster is the live connection layer.
type liveBroadcaster interface {
	Broadcast(eventType string, fields map[string]any)
	BroadcastToRoom(room, event string, data any)
}

type publishJob struct {
	eventType string
	data      any
}

// notifier implements the Broadcaster used by tickets and the pipeline.
// Global events also go to the event broker; room events stay local.
type notifier struct {
	live      liveBroadcaster
	publisher events.Publisher
	logger    *slog.Logger

	mu     sync.RWMutex
	queue  chan publishJob
	closed bool
	done   chan struct{}
}

func newNotifier(live liveBroadcaster, publisher events.Publisher, logger *slog.Logger) *notifier {
	n := &notifier{
		live:      live,
		publisher: publisher,
		logger:    logger.With("component", "notifier"),
		queue:     make(chan publishJob, publishQueueSize),
		done:      make(chan struct{}),
	}
	go n.publishLoop()
	return n
}

func (n *notifier) Broadcast(eventType string, fields map[string]any) {
	n.live.Broadcast(eventType, fields)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- publishJob{eventType: eventType, data: fields}:
	default:
		metrics.EventsPublished.WithLabelValues(eventType, "dropped").Inc()
		n.logger.Warn("event queue full, dropping", "type", eventType)
	}
}

func (n *notifier) BroadcastToRoom(room, event string, data any) {
	n.live.BroadcastToRoom(room, event, data)
}

func (n *notifier) publishLoop() {
	defer close(n.done)
	for job := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := n.publisher.Publish(ctx, events.RoutingKey(job.eventType), events.NewEnvelope(job.eventType, job.data))
		cancel()

		if err != nil {
			metrics.EventsPublished.WithLabelValues(job.eventType, "error").Inc()
			n.logger.Warn("publishing event", "type", job.eventType, "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(job.eventType, "ok").Inc()
	}
}

// Close drains queued publishes and closes the publisher.
func (n *notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
	return n.publisher.Close()
}
