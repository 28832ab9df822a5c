// ABOUTME: SQLite persistence for tickets and payment receipts
// ABOUTME: Tickets are listed newest first, optionally filtered by status

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const ticketColumns = `id, subject, description, conversation_id, status, amount, real_amount, completed_by, created_at, updated_at`

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var convID, completedBy sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&t.ID,
		&t.Subject,
		&t.Description,
		&convID,
		&status,
		&t.Amount,
		&t.RealAmount,
		&completedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ConversationID = convID.String
	t.CompletedBy = completedBy.String
	t.Status = TicketStatus(status)

	if t.CreatedAt, err = parseTime("ticket created_at", createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime("ticket updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTicket inserts a new ticket
func (s *SQLiteStore) CreateTicket(ctx context.Context, ticket *Ticket) error {
	if ticket.Status == "" {
		ticket.Status = TicketStatusOpen
	}

	query := `INSERT INTO tickets (` + ticketColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		ticket.ID,
		ticket.Subject,
		ticket.Description,
		nullString(ticket.ConversationID),
		string(ticket.Status),
		ticket.Amount,
		ticket.RealAmount,
		nullString(ticket.CompletedBy),
		formatTime(ticket.CreatedAt),
		formatTime(ticket.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}

	s.logger.Debug("created ticket", "id", ticket.ID, "subject", ticket.Subject)
	return nil
}

// GetTicket retrieves a ticket by ID.
// Returns ErrNotFound if the ticket doesn't exist.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`
	ticket, err := scanTicket(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ticket: %w", err)
	}
	return ticket, nil
}

// TransitionTicket persists the mutable fields of a ticket if its stored
// status is still from. Returns ErrNotFound if the ticket doesn't exist and
// ErrTicketStatusChanged if another writer moved it first.
func (s *SQLiteStore) TransitionTicket(ctx context.Context, ticket *Ticket, from TicketStatus) error {
	query := `
		UPDATE tickets
		SET status = ?, amount = ?, real_amount = ?, completed_by = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(ticket.Status),
		ticket.Amount,
		ticket.RealAmount,
		nullString(ticket.CompletedBy),
		formatTime(ticket.UpdatedAt),
		ticket.ID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetTicket(ctx, ticket.ID); err != nil {
		return err
	}
	return ErrTicketStatusChanged
}

// ListTickets returns tickets newest first. An empty status lists all of them.
func (s *SQLiteStore) ListTickets(ctx context.Context, status TicketStatus, limit int) ([]*Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket row: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ticket rows: %w", err)
	}
	return tickets, nil
}

// CreatePayment inserts a new payment receipt
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *Payment) error {
	if payment.Status == "" {
		payment.Status = PaymentStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, conversation_id, customer_name, amount, image, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		payment.ID,
		payment.ConversationID,
		payment.CustomerName,
		payment.Amount,
		payment.Image,
		string(payment.Status),
		formatTime(payment.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID
func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	var status, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, customer_name, amount, image, status, created_at
		FROM payments WHERE id = ?
	`, id).Scan(&p.ID, &p.ConversationID, &p.CustomerName, &p.Amount, &p.Image, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying payment: %w", err)
	}

	p.Status = PaymentStatus(status)
	if p.CreatedAt, err = parseTime("payment created_at", createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}
