// ABOUTME: Ticket service: opens, completes and cancels tickets and notifies agents
// ABOUTME: Completing a "Crear usuario" ticket delivers the customer's credentials

package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/inbox-gateway/internal/messenger"
	"github.com/2389/inbox-gateway/internal/store"
)

// ErrTicketClosed is returned when resolving a ticket that is no longer open.
var ErrTicketClosed = errors.New("ticket is not open")

// Event types broadcast to every connection.
const (
	EventNewTicket    = "new_ticket"
	EventTicketUpdate = "ticket_update"
)

// EventNewMessage is sent to a conversation room when an agent message is
// delivered to a web customer.
const EventNewMessage = "new_message"

const credentialsTemplate = "\nYa tenés creada tu cuenta. Estas son tus credenciales de acceso:\n\n" +
	"👤 Usuario: %s\n🔑 Contraseña: %s\n\n" +
	"📌 Guarda bien estos datos y no los compartas con nadie.\n\n" +
	"💰 ¡Te deseamos muchísima suerte! Que la fortuna esté de tu lado. 🍀🔥\n"

// Broadcaster fans ticket and message events out to live connections.
type Broadcaster interface {
	Broadcast(eventType string, fields map[string]any)
	BroadcastToRoom(room, event string, data any)
}

// Store is the persistence the service needs.
type Store interface {
	store.ConversationStore
	store.MessageStore
	store.TicketStore
}

// Service owns the ticket lifecycle.
type Service struct {
	store       Store
	broadcaster Broadcaster
	sender      messenger.Sender
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a ticket service.
func NewService(st Store, b Broadcaster, sender messenger.Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: b,
		sender:      sender,
		logger:      logger.With("component", "tickets"),
		now:         time.Now,
	}
}

// Open persists an open ticket on conv and announces it.
func (s *Service) Open(ctx context.Context, conv *store.Conversation, subject Subject, description string, amount float64) (*store.Ticket, error) {
	if !subject.Valid() {
		s.logger.Warn("opening ticket with unsupported subject", "subject", subject)
	}

	now := s.now().UTC()
	ticket := &store.Ticket{
		ID:             uuid.New().String(),
		Subject:        string(subject),
		Description:    description,
		ConversationID: conv.ID,
		Status:         store.TicketStatusOpen,
		Amount:         amount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}

	s.logger.Info("ticket opened", "ticket_id", ticket.ID, "subject", subject, "conversation_id", conv.ID)
	s.broadcaster.Broadcast(EventNewTicket, map[string]any{"ticket": ticket})
	return ticket, nil
}

// OpenForThread opens a ticket on the conversation bound to an assistant
// thread. The description is prefixed with the customer's username.
func (s *Service) OpenForThread(ctx context.Context, threadID string, subject Subject, description string, amount float64) (*store.Ticket, error) {
	conv, err := s.store.GetConversationByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("finding conversation for thread %s: %w", threadID, err)
	}
	return s.Open(ctx, conv, subject, conv.CustomerName+" - "+description, amount)
}

// Complete marks an open ticket completed by agentID and runs the subject's
// action. Action failures are logged; the ticket stays completed.
func (s *Service) Complete(ctx context.Context, id, agentID string, realAmount float64) (*store.Ticket, error) {
	ticket, err := s.resolve(ctx, id, agentID, store.TicketStatusCompleted, func(t *store.Ticket) {
		t.RealAmount = realAmount
	})
	if err != nil {
		return nil, err
	}

	act, ok := actionFor(ticket.Subject)
	switch {
	case !ok:
		s.logger.Warn("unsupported ticket subject, no action run", "ticket_id", ticket.ID, "subject", ticket.Subject)
	case act.onComplete != nil:
		if err := act.onComplete(s, ctx, ticket); err != nil {
			s.logger.Error("ticket action failed", "ticket_id", ticket.ID, "subject", ticket.Subject, "error", err)
		}
	}

	s.broadcaster.Broadcast(EventTicketUpdate, map[string]any{"ticket": ticket})
	return ticket, nil
}

// Cancel marks an open ticket cancelled by agentID.
func (s *Service) Cancel(ctx context.Context, id, agentID string) (*store.Ticket, error) {
	ticket, err := s.resolve(ctx, id, agentID, store.TicketStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	s.broadcaster.Broadcast(EventTicketUpdate, map[string]any{"ticket": ticket})
	return ticket, nil
}

// List returns tickets with status, or every ticket when status is empty.
func (s *Service) List(ctx context.Context, status store.TicketStatus, limit int) ([]*store.Ticket, error) {
	return s.store.ListTickets(ctx, status, limit)
}

func (s *Service) resolve(ctx context.Context, id, agentID string, status store.TicketStatus, mutate func(*store.Ticket)) (*store.Ticket, error) {
	ticket, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.Status != store.TicketStatusOpen {
		return nil, ErrTicketClosed
	}

	ticket.Status = status
	ticket.CompletedBy = agentID
	ticket.UpdatedAt = s.now().UTC()
	if mutate != nil {
		mutate(ticket)
	}

	err = s.store.TransitionTicket(ctx, ticket, store.TicketStatusOpen)
	if errors.Is(err, store.ErrTicketStatusChanged) {
		return nil, ErrTicketClosed
	}
	if err != nil {
		return nil, fmt.Errorf("updating ticket: %w", err)
	}
	s.logger.Info("ticket resolved", "ticket_id", id, "status", status, "agent_id", agentID)
	return ticket, nil
}

// sendCredentials delivers the username and password stored in a
// "Crear usuario" ticket description to the customer.
func (s *Service) sendCredentials(ctx context.Context, ticket *store.Ticket) error {
	username, password, ok := strings.Cut(ticket.Description, " - ")
	if !ok {
		return fmt.Errorf("ticket %s description has no credentials", ticket.ID)
	}

	conv, err := s.store.GetConversation(ctx, ticket.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	text := fmt.Sprintf(credentialsTemplate, strings.TrimSpace(username), strings.TrimSpace(password))
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       ticket.CompletedBy,
		Content:        &text,
		Type:           store.MessageTypeText,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving credentials message: %w", err)
	}
	if _, err := s.store.RecordOutbound(ctx, conv.ID, text, msg.CreatedAt); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if conv.Source == store.SourceWeb {
		s.broadcaster.BroadcastToRoom(conv.ID, EventNewMessage, msg)
		return nil
	}
	if err := s.sender.SendText(ctx, conv.CustomerID, text); err != nil {
		return fmt.Errorf("delivering credentials: %w", err)
	}
	return nil
}
