// ABOUTME: Store interface and data types for inbox-gateway persistence
// ABOUTME: Defines Conversation, Message, Ticket, Payment and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation already exists for a channel customer
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrTicketStatusChanged is returned when a ticket left the expected status before an update
var ErrTicketStatusChanged = errors.New("ticket status changed")

// Source identifies a customer channel
type Source string

const (
	SourceMessenger Source = "messenger"
	SourceWeb       Source = "web"
)

// MessageType distinguishes text from image messages
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// SenderAI is the sender id recorded for assistant replies
const SenderAI = "AI"

// TicketStatus is the lifecycle state of a ticket
type TicketStatus string

const (
	TicketStatusOpen      TicketStatus = "open"
	TicketStatusCompleted TicketStatus = "completed"
	TicketStatusCancelled TicketStatus = "cancelled"
	TicketStatusEdited    TicketStatus = "edited"
)

// PaymentStatus is the review state of a payment receipt
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusApproved PaymentStatus = "approved"
	PaymentStatusRejected PaymentStatus = "rejected"
)

// Conversation is the per-customer chat state
type Conversation struct {
	ID             string    `json:"id"`
	// Channel is where the conversation was opened; CustomerID is scoped to it.
	Channel        Source    `json:"channel"`
	CustomerID     string    `json:"customer_id"`
	CustomerName   string    `json:"customer_name"`
	PasswordHash   string    `json:"-"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
	UnreadCount    int       `json:"unread_count"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	Tags           []string  `json:"tags"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
	AIEnabled      bool      `json:"ai_enabled"`
	AIThreadID     string    `json:"ai_thread_id,omitempty"`
	// Source is the channel the customer last wrote from.
	Source         Source    `json:"source"`
	FanpageID      string    `json:"fanpage_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is a single message within a conversation.
// Content is nil once the retention job has cleared an expired image.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        *string     `json:"content"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Text returns the message content or an empty string when cleared
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Ticket is an internal work item raised by conversation events
type Ticket struct {
	ID             string       `json:"id"`
	Subject        string       `json:"subject"`
	Description    string       `json:"description"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Status         TicketStatus `json:"status"`
	Amount         float64      `json:"amount"`
	RealAmount     float64      `json:"real_amount"`
	CompletedBy    string       `json:"completed_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Payment is a receipt image sent by a customer, pending agent review
type Payment struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	CustomerName   string        `json:"customer_name"`
	Amount         float64       `json:"amount"`
	Image          string        `json:"image"`
	Status         PaymentStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ConversationStore persists per-customer conversations
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByCustomer(ctx context.Context, channel Source, customerID string) (*Conversation, error)
	GetConversationByUsername(ctx context.Context, username string) (*Conversation, error)
	GetConversationByThread(ctx context.Context, threadID string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// RecordInbound stores a customer message as the conversation's last
	// message and increments the unread counter.
	RecordInbound(ctx context.Context, id, lastMessage string, at time.Time, source Source) (*Conversation, error)
	// RecordOutbound stores an agent or assistant message as the last message
	// without touching the unread counter.
	RecordOutbound(ctx context.Context, id, lastMessage string, at time.Time) (*Conversation, error)
	MarkConversationRead(ctx context.Context, id string) (*Conversation, error)
	ToggleConversationAI(ctx context.Context, id string) (*Conversation, error)
	SetAIThread(ctx context.Context, id, threadID string) error
}

// MessageStore persists conversation messages
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// ClearExpiredImages nulls the content of image messages created before
	// olderThan and returns how many rows changed.
	ClearExpiredImages(ctx context.Context, olderThan time.Time) (int64, error)
}

// TicketStore persists tickets
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	// TransitionTicket writes the ticket's mutable fields only while its stored
	// status is still from.
	TransitionTicket(ctx context.Context, ticket *Ticket, from TicketStatus) error
	ListTickets(ctx context.Context, status TicketStatus, limit int) ([]*Ticket, error)
}

// PaymentStore persists payment receipts
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
}

// Store combines every persistence concern of the inbox
type Store interface {
	ConversationStore
	MessageStore
	TicketStore
	PaymentStore

	// Ping checks the database is reachable
	Ping(ctx context.Context) error
	// Close releases any resources held by the store
	Close() error
}
