// ABOUTME: Tool table for assistant function calls
// ABOUTME: Each tool opens a ticket on the conversation bound to the run's thread

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/inbox-gateway/internal/metrics"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

// ToolName is a function the assistant may call.
type ToolName string

const (
	ToolSupportTicket    ToolName = "crearTicketSoporte"
	ToolWithdrawalTicket ToolName = "crearTicketRetiro"
)

// TicketOpener opens a ticket on the conversation bound to an assistant thread.
type TicketOpener interface {
	OpenForThread(ctx context.Context, threadID string, subject tickets.Subject, description string, amount float64) (*store.Ticket, error)
}

// ToolHandler runs one tool call and returns its JSON-encodable result.
type ToolHandler func(ctx context.Context, threadID string, args json.RawMessage) (any, error)

// Tools resolves tool calls by name.
type Tools struct {
	handlers map[ToolName]ToolHandler
	logger   *slog.Logger
}

type ticketArgs struct {
	Descripcion string      `json:"descripcion"`
	Monto       json.Number `json:"monto"`
}

type ticketResult struct {
	Success  bool   `json:"success"`
	TicketID string `json:"ticketId"`
	Message  string `json:"message"`
}

// NewTools builds the tool table backed by opener.
func NewTools(opener TicketOpener, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tools{logger: logger.With("component", "assistant.tools")}
	t.handlers = map[ToolName]ToolHandler{
		ToolSupportTicket:    t.openTicket(opener, tickets.SubjectSupport),
		ToolWithdrawalTicket: t.openTicket(opener, tickets.SubjectWithdrawal),
	}
	return t
}

func (t *Tools) openTicket(opener TicketOpener, subject tickets.Subject) ToolHandler {
	return func(ctx context.Context, threadID string, raw json.RawMessage) (any, error) {
		var args ticketArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
		}

		var amount float64
		if args.Monto != "" {
			v, err := args.Monto.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid monto %q", args.Monto)
			}
			amount = v
		}
		if subject == tickets.SubjectWithdrawal && amount <= 0 {
			return nil, fmt.Errorf("monto is required")
		}

		description := strings.TrimSpace(args.Descripcion)
		if description == "" && args.Monto != "" {
			description = args.Monto.String()
		}

		ticket, err := opener.OpenForThread(ctx, threadID, subject, description, amount)
		if err != nil {
			return nil, err
		}
		return ticketResult{Success: true, TicketID: ticket.ID, Message: "Ticket creado exitosamente"}, nil
	}
}

// Resolve runs every call and returns one output per call. Failures become
// {"error": "..."} outputs for that call only.
func (t *Tools) Resolve(ctx context.Context, threadID string, calls []ToolCall) []ToolOutput {
	outputs := make([]ToolOutput, 0, len(calls))
	for _, call := range calls {
		label := call.Name
		if _, known := t.handlers[ToolName(call.Name)]; !known {
			label = "unknown"
		}

		result, err := t.run(ctx, threadID, call)
		if err != nil {
			t.logger.Warn("tool call failed", "tool", call.Name, "thread_id", threadID, "error", err)
			metrics.AssistantToolCalls.WithLabelValues(label, "error").Inc()
			result = map[string]string{"error": err.Error()}
		} else {
			metrics.AssistantToolCalls.WithLabelValues(label, "ok").Inc()
		}

		body, err := json.Marshal(result)
		if err != nil {
			body = []byte(`{"error":"encoding tool output"}`)
		}
		outputs = append(outputs, ToolOutput{CallID: call.ID, Output: string(body)})
	}
	return outputs
}

func (t *Tools) run(ctx context.Context, threadID string, call ToolCall) (any, error) {
	handler, ok := t.handlers[ToolName(call.Name)]
	if !ok {
		return nil, fmt.Errorf("unknown tool %s", call.Name)
	}
	return handler(ctx, threadID, json.RawMessage(call.Arguments))
}
