// ABOUTME: Prometheus metrics for the inbox gateway
// ABOUTME: Covers HTTP traffic, batching, the assistant, live connections and retention

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Ingestion metrics
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_webhook_events_total",
			Help: "Channel webhook events by outcome",
		},
		[]string{"outcome"}, // "accepted", "duplicate", "ignored"
	)

	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_batches_processed_total",
			Help: "Closed batches handed to the processor",
		},
		[]string{"source"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_batch_size",
			Help:    "Number of events coalesced into one batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_batch_duration_seconds",
			Help:    "Time spent processing one batch",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_batch_failures_total",
			Help: "Batch processing failures by stage",
		},
		[]string{"stage"},
	)

	// Assistant metrics
	AssistantRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_assistant_runs_total",
			Help: "Assistant runs by terminal state",
		},
		[]string{"state"},
	)

	AssistantToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_assistant_tool_calls_total",
			Help: "Tool calls requested by the assistant",
		},
		[]string{"tool", "result"},
	)

	// Live connection metrics
	HubConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_hub_connections",
			Help: "Open live connections by role",
		},
		[]string{"role"},
	)

	HubBroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_hub_dropped_frames_total",
			Help: "Frames dropped because a connection's send buffer was full",
		},
	)

	// Maintenance metrics
	RetentionCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_retention_cleared_total",
			Help: "Image messages whose content was cleared by retention",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_events_published_total",
			Help: "Domain events published to the message broker",
		},
		[]string{"type", "result"},
	)
)
