// ABOUTME: Tests for the ticket service lifecycle and subject actions
// ABOUTME: Runs against a temp SQLite store with fake broadcaster and sender

package tickets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/store"
)

type broadcastEvent struct {
	eventType string
	fields    map[string]any
}

type roomEvent struct {
	room  string
	event string
	data  any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	global []broadcastEvent
	rooms  []roomEvent
}

func (f *fakeBroadcaster) Broadcast(eventType string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.global = append(f.global, broadcastEvent{eventType, fields})
}

func (f *fakeBroadcaster) BroadcastToRoom(room, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomEvent{room, event, data})
}

type sentText struct {
	recipient string
	text      string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, recipientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{recipientID, text})
	return f.err
}

// slowReads holds every ticket read so concurrent resolvers all see it open.
type slowReads struct {
	*store.SQLiteStore
	delay time.Duration
}

func (s *slowReads) GetTicket(ctx context.Context, id string) (*store.Ticket, error) {
	t, err := s.SQLiteStore.GetTicket(ctx, id)
	time.Sleep(s.delay)
	return t, err
}

type fixture struct {
	svc         *Service
	store       *store.SQLiteStore
	broadcaster *fakeBroadcaster
	sender      *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tickets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := &fakeBroadcaster{}
	s := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{svc: NewService(st, b, s, logger), store: st, broadcaster: b, sender: s}
}

func (f *fixture) conversation(t *testing.T, id string, source store.Source) *store.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:            id,
		CustomerID:    "cust-" + id,
		CustomerName:  "juan1234",
		LastMessageAt: now,
		AIEnabled:     true,
		Source:        source,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))
	return conv
}

func TestOpen_PersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(context.Background(), conv, SubjectSupport, "no puedo ingresar", 0)
	require.NoError(t, err)
	assert.Equal(t, store.TicketStatusOpen, ticket.Status)

	got, err := f.store.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "Soporte", got.Subject)
	assert.Equal(t, "c1", got.ConversationID)

	require.Len(t, f.broadcaster.global, 1)
	assert.Equal(t, EventNewTicket, f.broadcaster.global[0].eventType)
	assert.Equal(t, ticket, f.broadcaster.global[0].fields["ticket"])
}

func TestOpenForThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)
	require.NoError(t, f.store.SetAIThread(ctx, conv.ID, "thread-9"))

	ticket, err := f.svc.OpenForThread(ctx, "thread-9", SubjectWithdrawal, "retiro por transferencia", 1500)
	require.NoError(t, err)
	assert.Equal(t, "juan1234 - retiro por transferencia", ticket.Description)
	assert.InDelta(t, 1500, ticket.Amount, 0.001)
	assert.Equal(t, "c1", ticket.ConversationID)

	_, err = f.svc.OpenForThread(ctx, "unknown-thread", SubjectSupport, "x", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestComplete_CreateUserDeliversCredentialsOverMessenger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(ctx, conv, SubjectCreateUser, "juan1234 - sol42", 0)
	require.NoError(t, err)

	done, err := f.svc.Complete(ctx, ticket.ID, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, store.TicketStatusCompleted, done.Status)
	assert.Equal(t, "agent-1", done.CompletedBy)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "cust-c1", f.sender.sent[0].recipient)
	assert.Contains(t, f.sender.sent[0].text, "👤 Usuario: juan1234")
	assert.Contains(t, f.sender.sent[0].text, "🔑 Contraseña: sol42")

	msgs, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent-1", msgs[0].SenderID)

	updated, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Text(), updated.LastMessage)
	assert.Equal(t, 0, updated.UnreadCount)

	last := f.broadcaster.global[len(f.broadcaster.global)-1]
	assert.Equal(t, EventTicketUpdate, last.eventType)
}

func TestComplete_CreateUserOnWebGoesToRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceWeb)

	ticket, err := f.svc.Open(ctx, conv, SubjectCreateUser, "juan1234 - sol42", 0)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, ticket.ID, "agent-1", 0)
	require.NoError(t, err)

	assert.Empty(t, f.sender.sent)
	require.Len(t, f.broadcaster.rooms, 1)
	assert.Equal(t, "c1", f.broadcaster.rooms[0].room)
	assert.Equal(t, EventNewMessage, f.broadcaster.rooms[0].event)
}

func TestComplete_ActionFailureKeepsTicketCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)
	f.sender.err = errors.New("graph down")

	ticket, err := f.svc.Open(ctx, conv, SubjectCreateUser, "juan1234 - sol42", 0)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, ticket.ID, "agent-1", 0)
	require.NoError(t, err)

	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketStatusCompleted, got.Status)
}

func TestComplete_WithdrawalRecordsRealAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(ctx, conv, SubjectWithdrawal, "juan1234 - 500", 500)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, ticket.ID, "agent-2", 480)
	require.NoError(t, err)

	got, err := f.store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.InDelta(t, 480, got.RealAmount, 0.001)
	assert.Empty(t, f.sender.sent)
}

func TestComplete_UnsupportedSubjectIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(ctx, conv, Subject("Bonificación"), "x", 0)
	require.NoError(t, err)

	done, err := f.svc.Complete(ctx, ticket.ID, "agent-1", 0)
	require.NoError(t, err)
	assert.Equal(t, store.TicketStatusCompleted, done.Status)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.broadcaster.rooms)
}

func TestResolve_ClosedTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(ctx, conv, SubjectSupport, "x", 0)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, ticket.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.TicketStatusCancelled, cancelled.Status)

	_, err = f.svc.Complete(ctx, ticket.ID, "agent-1", 0)
	assert.ErrorIs(t, err, ErrTicketClosed)
	_, err = f.svc.Cancel(ctx, ticket.ID, "agent-1")
	assert.ErrorIs(t, err, ErrTicketClosed)

	_, err = f.svc.Complete(ctx, "missing", "agent-1", 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestComplete_ConcurrentAgentsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	ticket, err := f.svc.Open(ctx, conv, SubjectCreateUser, "juan1234 - sol42", 0)
	require.NoError(t, err)

	svc := NewService(&slowReads{SQLiteStore: f.store, delay: 50 * time.Millisecond}, f.broadcaster, f.sender, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, agent := range []string{"agent-1", "agent-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Complete(ctx, ticket.ID, agent, 0)
		}()
	}
	wg.Wait()

	var won, closed int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrTicketClosed):
			closed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, closed)
	assert.Len(t, f.sender.sent, 1, "credentials must be delivered once")

	msgs, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestList_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.conversation(t, "c1", store.SourceMessenger)

	first, err := f.svc.Open(ctx, conv, SubjectSupport, "a", 0)
	require.NoError(t, err)
	_, err = f.svc.Open(ctx, conv, SubjectSupport, "b", 0)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, first.ID, "agent-1")
	require.NoError(t, err)

	open, err := f.svc.List(ctx, store.TicketStatusOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].Description)

	all, err := f.svc.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
