// ABOUTME: Assistant gateway: sends a customer turn and polls the run to a reply
// ABOUTME: Resolves tool calls between polls and bounds waiting by attempts

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/inbox-gateway/internal/metrics"
)

// NoReplyText is returned when a completed run left no assistant text.
const NoReplyText = "No se recibió respuesta del asistente."

// Default polling budget.
const (
	DefaultPollAttempts = 15
	DefaultPollInterval = 2 * time.Second
)

// Reply is the outcome of a successful Ask.
type Reply struct {
	Text     string
	ThreadID string
	// NewThread is true when Ask created the thread.
	NewThread bool
}

// Asker is what the pipeline needs from the gateway.
type Asker interface {
	Ask(ctx context.Context, text, threadID string) (*Reply, error)
}

// Options configures polling.
type Options struct {
	PollAttempts int
	PollInterval time.Duration
}

// Gateway drives runs on a Backend.
type Gateway struct {
	backend  Backend
	tools    *Tools
	attempts int
	interval time.Duration
	logger   *slog.Logger
}

// NewGateway creates a gateway. Zero options use the defaults.
func NewGateway(backend Backend, tools *Tools, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Gateway{
		backend:  backend,
		tools:    tools,
		attempts: opts.PollAttempts,
		interval: opts.PollInterval,
		logger:   logger.With("component", "assistant"),
	}
}

// Ask sends text on threadID, or on a new thread when threadID is empty, and
// waits for the assistant's reply.
func (g *Gateway) Ask(ctx context.Context, text, threadID string) (*Reply, error) {
	var run *Run
	var err error
	newThread := threadID == ""

	if newThread {
		run, err = g.backend.CreateThreadAndRun(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("creating thread: %w", err)
		}
		threadID = run.ThreadID
	} else {
		if err := g.backend.AddMessage(ctx, threadID, text); err != nil {
			return nil, fmt.Errorf("adding message: %w", err)
		}
		run, err = g.backend.CreateRun(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("creating run: %w", err)
		}
	}

	if err := g.await(ctx, threadID, run.ID); err != nil {
		return nil, err
	}

	reply, ok, err := g.backend.LatestReply(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if !ok {
		reply = NoReplyText
	}

	return &Reply{Text: reply, ThreadID: threadID, NewThread: newThread}, nil
}

// await polls the run until it completes, fails or the attempts run out.
func (g *Gateway) await(ctx context.Context, threadID, runID string) error {
	lastStatus := ""
	for attempt := 1; attempt <= g.attempts; attempt++ {
		run, err := g.backend.GetRun(ctx, threadID, runID)
		if err != nil {
			return fmt.Errorf("polling run: %w", err)
		}
		lastStatus = run.Status

		state := StateFromStatus(run.Status)
		g.logger.Debug("run polled", "run_id", runID, "status", run.Status, "attempt", attempt)

		switch state {
		case StateCompleted:
			metrics.AssistantRuns.WithLabelValues(string(StateCompleted)).Inc()
			return nil

		case StateFailed:
			metrics.AssistantRuns.WithLabelValues(string(StateFailed)).Inc()
			return &RunError{RunID: runID, State: StateFailed, Status: run.Status, Attempts: attempt}

		case StateNeedsToolOutput:
			outputs := g.tools.Resolve(ctx, threadID, run.ToolCalls)
			if _, err := g.backend.SubmitToolOutputs(ctx, threadID, runID, outputs); err != nil {
				return fmt.Errorf("submitting tool outputs: %w", err)
			}
			continue
		}

		if attempt < g.attempts {
			if err := sleep(ctx, g.interval); err != nil {
				return err
			}
		}
	}

	metrics.AssistantRuns.WithLabelValues(string(StateTimedOut)).Inc()
	return &RunError{RunID: runID, State: StateTimedOut, Status: lastStatus, Attempts: g.attempts}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for run: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
