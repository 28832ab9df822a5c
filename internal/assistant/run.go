// ABOUTME: Run states, backend contract and typed errors for the assistant gateway
// ABOUTME: Maps provider run statuses onto a small closed state machine

package assistant

import (
	"context"
	"errors"
	"fmt"
)

// RunState is the gateway's view of a run.
type RunState string

const (
	StatePending         RunState = "pending"
	StateNeedsToolOutput RunState = "needs_tool_output"
	StateCompleted       RunState = "completed"
	StateFailed          RunState = "failed"
	StateTimedOut        RunState = "timed_out"
)

// StateFromStatus maps a provider run status to a RunState.
// Unknown statuses are treated as pending and resolved by the poll budget.
func StateFromStatus(status string) RunState {
	switch status {
	case "queued", "in_progress", "cancelling":
		return StatePending
	case "requires_action":
		return StateNeedsToolOutput
	case "completed":
		return StateCompleted
	case "failed", "cancelled", "expired", "incomplete":
		return StateFailed
	default:
		return StatePending
	}
}

// ToolCall is a function call the assistant asked the gateway to run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// Run is a provider run reduced to what the gateway needs.
type Run struct {
	ID        string
	ThreadID  string
	Status    string
	ToolCalls []ToolCall
}

// Backend is the transport to the assistant provider.
type Backend interface {
	// CreateThreadAndRun starts a new thread holding text and runs it.
	CreateThreadAndRun(ctx context.Context, text string) (*Run, error)
	AddMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	// LatestReply returns the newest non-user text in the thread, and false
	// if the thread has none.
	LatestReply(ctx context.Context, threadID string) (string, bool, error)
}

// Run errors
var (
	ErrRunFailed   = errors.New("assistant run failed")
	ErrRunTimedOut = errors.New("assistant run timed out")
)

// RunError describes a run that ended without a reply.
type RunError struct {
	RunID    string
	State    RunState
	Status   string
	Attempts int
}

func (e *RunError) Error() string {
	return fmt.Sprintf("assistant run %s %s (status %q after %d polls)", e.RunID, e.State, e.Status, e.Attempts)
}

// Is matches ErrRunFailed or ErrRunTimedOut according to State.
func (e *RunError) Is(target error) bool {
	switch target {
	case ErrRunFailed:
		return e.State == StateFailed
	case ErrRunTimedOut:
		return e.State == StateTimedOut
	}
	return false
}
