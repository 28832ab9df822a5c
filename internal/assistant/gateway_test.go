// ABOUTME: Tests for the assistant gateway run loop and tool resolution
// ABOUTME: Drives a scripted fake backend through each run state

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend returns the scripted runs from GetRun in order, repeating the
// last one once the script is exhausted.
type fakeBackend struct {
	mu        sync.Mutex
	script    []*Run
	polls     int
	reply     string
	hasReply  bool
	created   []string
	added     []string
	submitted [][]ToolOutput
}

func (f *fakeBackend) CreateThreadAndRun(_ context.Context, text string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, text)
	return &Run{ID: "run-1", ThreadID: "thread-new", Status: "queued"}, nil
}

func (f *fakeBackend) AddMessage(_ context.Context, threadID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, threadID+":"+text)
	return nil
}

func (f *fakeBackend) CreateRun(_ context.Context, threadID string) (*Run, error) {
	return &Run{ID: "run-2", ThreadID: threadID, Status: "queued"}, nil
}

func (f *fakeBackend) GetRun(_ context.Context, _, _ string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.polls, len(f.script)-1)
	f.polls++
	return f.script[i], nil
}

func (f *fakeBackend) SubmitToolOutputs(_ context.Context, _, runID string, outputs []ToolOutput) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return &Run{ID: runID, Status: "queued"}, nil
}

func (f *fakeBackend) LatestReply(context.Context, string) (string, bool, error) {
	return f.reply, f.hasReply, nil
}

type fakeOpener struct {
	calls []string
	err   error
}

func (f *fakeOpener) OpenForThread(_ context.Context, threadID string, subject tickets.Subject, description string, amount float64) (*store.Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, string(subject)+"|"+description)
	return &store.Ticket{ID: "ticket-1", Subject: string(subject), Description: description, Amount: amount}, nil
}

func newTestGateway(backend Backend, opener TicketOpener, attempts int) *Gateway {
	return NewGateway(backend, NewTools(opener, testLogger()), Options{
		PollAttempts: attempts,
		PollInterval: time.Millisecond,
	}, testLogger())
}

func TestStateFromStatus(t *testing.T) {
	cases := map[string]RunState{
		"queued":          StatePending,
		"in_progress":     StatePending,
		"requires_action": StateNeedsToolOutput,
		"completed":       StateCompleted,
		"failed":          StateFailed,
		"expired":         StateFailed,
		"cancelled":       StateFailed,
		"something_new":   StatePending,
	}
	for status, want := range cases {
		assert.Equal(t, want, StateFromStatus(status), status)
	}
}

func TestAsk_NewThreadCompletes(t *testing.T) {
	backend := &fakeBackend{
		script:   []*Run{{Status: "in_progress"}, {Status: "completed"}},
		reply:    "¡Hola! ¿En qué te ayudo?",
		hasReply: true,
	}
	g := newTestGateway(backend, &fakeOpener{}, 5)

	reply, err := g.Ask(context.Background(), "hola\ncomo estas", "")
	require.NoError(t, err)
	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", reply.Text)
	assert.Equal(t, "thread-new", reply.ThreadID)
	assert.True(t, reply.NewThread)
	assert.Equal(t, []string{"hola\ncomo estas"}, backend.created)
	assert.Equal(t, 2, backend.polls)
}

func TestAsk_ExistingThread(t *testing.T) {
	backend := &fakeBackend{script: []*Run{{Status: "completed"}}, reply: "ok", hasReply: true}
	g := newTestGateway(backend, &fakeOpener{}, 5)

	reply, err := g.Ask(context.Background(), "quiero retirar", "thread-7")
	require.NoError(t, err)
	assert.False(t, reply.NewThread)
	assert.Equal(t, "thread-7", reply.ThreadID)
	assert.Equal(t, []string{"thread-7:quiero retirar"}, backend.added)
	assert.Empty(t, backend.created)
}

func TestAsk_RequiresActionThenCompleted(t *testing.T) {
	backend := &fakeBackend{
		script: []*Run{
			{Status: "requires_action", ToolCalls: []ToolCall{
				{ID: "call-1", Name: string(ToolWithdrawalTicket), Arguments: `{"descripcion":"retiro a CBU","monto":1500}`},
				{ID: "call-2", Name: "borrarTodo", Arguments: `{}`},
			}},
			{Status: "completed"},
		},
		reply:    "Listo, creé tu ticket.",
		hasReply: true,
	}
	opener := &fakeOpener{}
	g := newTestGateway(backend, opener, 5)

	reply, err := g.Ask(context.Background(), "quiero retirar 1500", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "Listo, creé tu ticket.", reply.Text)

	require.Len(t, backend.submitted, 1)
	outputs := backend.submitted[0]
	require.Len(t, outputs, 2)

	assert.Equal(t, "call-1", outputs[0].CallID)
	var ok ticketResult
	require.NoError(t, json.Unmarshal([]byte(outputs[0].Output), &ok))
	assert.True(t, ok.Success)
	assert.Equal(t, "ticket-1", ok.TicketID)

	assert.Equal(t, "call-2", outputs[1].CallID)
	assert.JSONEq(t, `{"error":"unknown tool borrarTodo"}`, outputs[1].Output)

	assert.Equal(t, []string{"Retiro|retiro a CBU"}, opener.calls)
}

func TestAsk_ToolErrorBecomesOutput(t *testing.T) {
	backend := &fakeBackend{
		script: []*Run{
			{Status: "requires_action", ToolCalls: []ToolCall{
				{ID: "call-1", Name: string(ToolWithdrawalTicket), Arguments: `{"descripcion":"sin monto"}`},
				{ID: "call-2", Name: string(ToolSupportTicket), Arguments: `{"descripcion":"no entra"}`},
			}},
			{Status: "completed"},
		},
		reply:    "ok",
		hasReply: true,
	}
	opener := &fakeOpener{}
	g := newTestGateway(backend, opener, 5)

	_, err := g.Ask(context.Background(), "x", "thread-1")
	require.NoError(t, err)

	outputs := backend.submitted[0]
	assert.JSONEq(t, `{"error":"monto is required"}`, outputs[0].Output)
	assert.Contains(t, outputs[1].Output, `"success":true`)
	assert.Equal(t, []string{"Soporte|no entra"}, opener.calls)
}

func TestAsk_Failed(t *testing.T) {
	backend := &fakeBackend{script: []*Run{{Status: "in_progress"}, {Status: "failed"}}}
	g := newTestGateway(backend, &fakeOpener{}, 5)

	_, err := g.Ask(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunFailed))
	assert.False(t, errors.Is(err, ErrRunTimedOut))

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "failed", runErr.Status)
	assert.Equal(t, 2, runErr.Attempts)
}

func TestAsk_TimesOutAfterAttempts(t *testing.T) {
	backend := &fakeBackend{script: []*Run{{Status: "in_progress"}}}
	g := newTestGateway(backend, &fakeOpener{}, 3)

	_, err := g.Ask(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunTimedOut))
	assert.Equal(t, 3, backend.polls)
}

func TestAsk_NoReplyText(t *testing.T) {
	backend := &fakeBackend{script: []*Run{{Status: "completed"}}}
	g := newTestGateway(backend, &fakeOpener{}, 3)

	reply, err := g.Ask(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, NoReplyText, reply.Text)
}

func TestAsk_ContextCancelledWhilePolling(t *testing.T) {
	backend := &fakeBackend{script: []*Run{{Status: "in_progress"}}}
	g := NewGateway(backend, NewTools(&fakeOpener{}, testLogger()), Options{
		PollAttempts: 10,
		PollInterval: time.Hour,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := g.Ask(ctx, "x", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
