// ABOUTME: Batch processor: persists a customer's burst, then asks the assistant once
// ABOUTME: Creates conversations on first contact and delivers replies to the source channel

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/inbox-gateway/internal/assistant"
	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/credentials"
	"github.com/2389/inbox-gateway/internal/messenger"
	"github.com/2389/inbox-gateway/internal/metrics"
	"github.com/2389/inbox-gateway/internal/store"
	"github.com/2389/inbox-gateway/internal/tickets"
)

// ImageLastMessage is the conversation preview for an image message.
const ImageLastMessage = "📷 Imagen"

// Broadcast event names.
const (
	EventNewCustomerMessage = "new_customer_message"
	EventNewPayment         = "new_payment"
	EventAIMessage          = "ai_message"
)

// ErrConversationMismatch is returned when an event's bound conversation
// belongs to another customer.
var ErrConversationMismatch = errors.New("conversation belongs to another customer")

// Store is the persistence the processor needs.
type Store interface {
	store.ConversationStore
	store.MessageStore
	store.PaymentStore
}

// Notifier fans events out to live connections.
type Notifier interface {
	Broadcast(eventType string, fields map[string]any)
	BroadcastToRoom(room, event string, data any)
}

// TicketOpener opens a ticket on a conversation.
type TicketOpener interface {
	Open(ctx context.Context, conv *store.Conversation, subject tickets.Subject, description string, amount float64) (*store.Ticket, error)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Store    Store
	Notifier Notifier
	Tickets  TicketOpener
	// Assistant is nil when the assistant is disabled or unconfigured.
	Assistant   assistant.Asker
	Sender      messenger.Sender
	Profiles    messenger.ProfileFetcher
	Credentials *credentials.Generator
}

// Outcome summarizes a processed batch.
type Outcome struct {
	ConversationID string
	// Created is true when the batch created the conversation.
	Created bool
	// Reply is the assistant's answer, empty when the assistant did not run.
	Reply    string
	ThreadID string
}

// Processor handles closed batches.
type Processor struct {
	deps             Deps
	aiEnabledDefault bool
	logger           *slog.Logger
	now              func() time.Time
}

// NewProcessor creates a processor. aiEnabledDefault seeds AIEnabled on new conversations.
func NewProcessor(deps Deps, aiEnabledDefault bool, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Credentials == nil {
		deps.Credentials = credentials.NewGenerator()
	}
	return &Processor{
		deps:             deps,
		aiEnabledDefault: aiEnabledDefault,
		logger:           logger.With("component", "processor"),
		now:              time.Now,
	}
}

// Process persists every event of batch in order, then runs the assistant
// step once for the combined text. Assistant and delivery failures are
// logged and do not fail the batch.
func (p *Processor) Process(ctx context.Context, batch Batch) (*Outcome, error) {
	out := &Outcome{}
	var conv *store.Conversation

	for _, ev := range batch.Events {
		resolved, created, err := p.resolveConversation(ctx, ev)
		if err != nil {
			metrics.BatchFailures.WithLabelValues("conversation").Inc()
			return out, fmt.Errorf("resolving conversation: %w", err)
		}
		out.ConversationID = resolved.ID
		out.Created = out.Created || created

		conv, err = p.persist(ctx, resolved, ev)
		if err != nil {
			metrics.BatchFailures.WithLabelValues("persist").Inc()
			return out, fmt.Errorf("persisting event: %w", err)
		}
	}

	if conv == nil || p.deps.Assistant == nil || !conv.AIEnabled {
		return out, nil
	}
	prompt := batch.Prompt()
	if prompt == "" {
		return out, nil
	}

	reply, err := p.deps.Assistant.Ask(ctx, prompt, conv.AIThreadID)
	if err != nil {
		metrics.BatchFailures.WithLabelValues("assistant").Inc()
		p.logger.Error("assistant step skipped",
			"customer", batch.Key,
			"conversation_id", conv.ID,
			"batch_size", len(batch.Events),
			"error", err)
		return out, nil
	}

	if err := p.deliverReply(ctx, conv, batch.Source(), reply); err != nil {
		metrics.BatchFailures.WithLabelValues("reply").Inc()
		return out, err
	}
	out.Reply = reply.Text
	out.ThreadID = reply.ThreadID
	return out, nil
}

// resolveConversation finds the event's conversation by its bound id or by
// the (channel, customer) pair, creating one on first contact.
func (p *Processor) resolveConversation(ctx context.Context, ev Event) (*store.Conversation, bool, error) {
	if ev.ConversationID != "" {
		conv, err := p.deps.Store.GetConversation(ctx, ev.ConversationID)
		if err != nil {
			return nil, false, err
		}
		if conv.CustomerID != ev.CustomerID {
			return nil, false, ErrConversationMismatch
		}
		return conv, false, nil
	}

	conv, err := p.deps.Store.GetConversationByCustomer(ctx, ev.Source, ev.CustomerID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	return p.createConversation(ctx, ev.CustomerID, ev)
}

// createConversation registers a first-contact customer with generated
// credentials and opens the ticket that asks an agent to create the account.
func (p *Processor) createConversation(ctx context.Context, customerID string, ev Event) (*store.Conversation, bool, error) {
	var name, picture string
	if ev.Source == store.SourceMessenger && p.deps.Profiles != nil {
		profile, err := p.deps.Profiles.GetProfile(ctx, customerID)
		if err != nil {
			p.logger.Warn("profile lookup failed", "customer_id", customerID, "error", err)
		} else {
			name, picture = profile.Name, profile.ProfilePic
		}
	}

	username := p.deps.Credentials.Username(name)
	password := p.deps.Credentials.Password()
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, false, err
	}

	now := p.now().UTC()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		CustomerID:     customerID,
		CustomerName:   username,
		PasswordHash:   hash,
		LastMessageAt:  now,
		ProfilePicture: picture,
		AIEnabled:      p.aiEnabledDefault,
		Channel:        ev.Source,
		Source:         ev.Source,
		FanpageID:      ev.FanpageID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.deps.Store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, err := p.deps.Store.GetConversationByCustomer(ctx, ev.Source, customerID)
			return existing, false, err
		}
		return nil, false, err
	}
	p.logger.Info("conversation created", "conversation_id", conv.ID, "customer_id", customerID, "source", ev.Source)

	if _, err := p.deps.Tickets.Open(ctx, conv, tickets.SubjectCreateUser, username+" - "+password, 0); err != nil {
		metrics.BatchFailures.WithLabelValues("ticket").Inc()
		p.logger.Error("opening account ticket", "conversation_id", conv.ID, "error", err)
	}
	return conv, true, nil
}

// persist stores the event's messages and payment and touches the conversation.
func (p *Processor) persist(ctx context.Context, conv *store.Conversation, ev Event) (*store.Conversation, error) {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = p.now()
	}
	at = at.UTC()

	var msgs []*store.Message
	lastMessage := ev.Text

	for _, url := range ev.ImageURLs {
		payment := &store.Payment{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			CustomerName:   conv.CustomerName,
			Image:          url,
			Status:         store.PaymentStatusPending,
			CreatedAt:      at,
		}
		if err := p.deps.Store.CreatePayment(ctx, payment); err != nil {
			return nil, fmt.Errorf("creating payment: %w", err)
		}
		p.deps.Notifier.Broadcast(EventNewPayment, map[string]any{"payment": payment})

		msgs = append(msgs, newMessage(conv.ID, ev.CustomerID, url, store.MessageTypeImage, at))
		lastMessage = ImageLastMessage
	}
	if ev.Text != "" {
		msgs = append(msgs, newMessage(conv.ID, ev.CustomerID, ev.Text, store.MessageTypeText, at))
	}

	for _, msg := range msgs {
		if err := p.deps.Store.SaveMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("saving message: %w", err)
		}
	}

	updated, err := p.deps.Store.RecordInbound(ctx, conv.ID, lastMessage, at, ev.Source)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	for _, msg := range msgs {
		p.deps.Notifier.Broadcast(EventNewCustomerMessage, map[string]any{"conversation": updated, "message": msg})
	}
	return updated, nil
}

// deliverReply stores the assistant's reply and sends it back on the channel
// the batch came from.
func (p *Processor) deliverReply(ctx context.Context, conv *store.Conversation, source store.Source, reply *assistant.Reply) error {
	if reply.NewThread {
		if err := p.deps.Store.SetAIThread(ctx, conv.ID, reply.ThreadID); err != nil {
			return fmt.Errorf("binding assistant thread: %w", err)
		}
	}

	at := p.now().UTC()
	msg := newMessage(conv.ID, store.SenderAI, reply.Text, store.MessageTypeText, at)
	if err := p.deps.Store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving reply: %w", err)
	}
	updated, err := p.deps.Store.RecordOutbound(ctx, conv.ID, reply.Text, at)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	p.deps.Notifier.Broadcast(EventNewCustomerMessage, map[string]any{"conversation": updated, "message": msg})

	switch source {
	case store.SourceWeb:
		p.deps.Notifier.BroadcastToRoom(conv.ID, EventAIMessage, msg)
	default:
		if err := p.deps.Sender.SendText(ctx, conv.CustomerID, messenger.PlainText(reply.Text)); err != nil {
			metrics.BatchFailures.WithLabelValues("delivery").Inc()
			p.logger.Error("delivering reply", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

func newMessage(conversationID, senderID, content string, typ store.MessageType, at time.Time) *store.Message {
	return &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        &content,
		Type:           typ,
		CreatedAt:      at,
	}
}
