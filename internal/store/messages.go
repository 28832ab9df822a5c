// ABOUTME: SQLite persistence for conversation messages
// ABOUTME: Includes the image retention query used by the cleanup job

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage saves a message to the database
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var content any
	if msg.Content != nil {
		content = *msg.Content
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		content,
		string(msgType),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "type", msgType)
	return nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Take the N most recent, then return them oldest first
		query = `
			SELECT id, conversation_id, sender_id, content, type, created_at
			FROM (
				SELECT rowid AS seq, id, conversation_id, sender_id, content, type, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_id, content, type, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var content sql.NullString
		var msgType, createdAt string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &content, &msgType, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if content.Valid {
			text := content.String
			msg.Content = &text
		}
		msg.Type = MessageType(msgType)

		msg.CreatedAt, err = parseTime("message created_at", createdAt)
		if err != nil {
			return nil, err
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ClearExpiredImages nulls the content of image messages older than the cutoff.
func (s *SQLiteStore) ClearExpiredImages(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = NULL
		WHERE type = 'image' AND created_at < ? AND content IS NOT NULL
	`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("clearing expired images: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}
