// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides schema creation, migrations and conversation persistence

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			channel         TEXT NOT NULL DEFAULT 'messenger',
			customer_id     TEXT NOT NULL,
			customer_name   TEXT NOT NULL DEFAULT '',
			password_hash   TEXT NOT NULL DEFAULT '',
			last_message    TEXT NOT NULL DEFAULT '',
			last_message_at TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			assigned_to     TEXT,
			tags_json       TEXT NOT NULL DEFAULT '[]',
			profile_picture TEXT NOT NULL DEFAULT '',
			ai_enabled      INTEGER NOT NULL DEFAULT 1,
			ai_thread_id    TEXT,
			fanpage_id      TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			UNIQUE (channel, customer_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at
			ON conversations(last_message_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_customer_name
			ON conversations(customer_name);
		CREATE INDEX IF NOT EXISTS idx_conversations_ai_thread
			ON conversations(ai_thread_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT,
			type            TEXT NOT NULL DEFAULT 'text',
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (type IN ('text', 'image'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_type_created
			ON messages(type, created_at);

		CREATE TABLE IF NOT EXISTS tickets (
			id              TEXT PRIMARY KEY,
			subject         TEXT NOT NULL,
			description     TEXT NOT NULL,
			conversation_id TEXT,
			status          TEXT NOT NULL DEFAULT 'open',
			amount          REAL NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (status IN ('open', 'completed', 'cancelled', 'edited'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status_created
			ON tickets(status, created_at DESC);

		CREATE TABLE IF NOT EXISTS payments (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			customer_name   TEXT NOT NULL,
			amount          REAL NOT NULL DEFAULT 0,
			image           TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (status IN ('pending', 'approved', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by earlier releases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"conversations", "source", `ALTER TABLE conversations ADD COLUMN source TEXT NOT NULL DEFAULT 'messenger'`},
		{"conversations", "channel", `ALTER TABLE conversations ADD COLUMN channel TEXT NOT NULL DEFAULT 'messenger'`},
		{"tickets", "real_amount", `ALTER TABLE tickets ADD COLUMN real_amount REAL NOT NULL DEFAULT 0`},
		{"tickets", "completed_by", `ALTER TABLE tickets ADD COLUMN completed_by TEXT`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint violation.
// Foreign key and CHECK failures are not matched.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

const conversationColumns = `
	id, channel, customer_id, customer_name, password_hash, last_message, last_message_at,
	unread_count, assigned_to, tags_json, profile_picture, ai_enabled, ai_thread_id,
	source, fanpage_id, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastAt, createdAt, updatedAt, tagsJSON, channel, source string
	var assignedTo, threadID, fanpageID sql.NullString

	err := row.Scan(
		&conv.ID,
		&channel,
		&conv.CustomerID,
		&conv.CustomerName,
		&conv.PasswordHash,
		&conv.LastMessage,
		&lastAt,
		&conv.UnreadCount,
		&assignedTo,
		&tagsJSON,
		&conv.ProfilePicture,
		&conv.AIEnabled,
		&threadID,
		&source,
		&fanpageID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.AssignedTo = assignedTo.String
	conv.AIThreadID = threadID.String
	conv.FanpageID = fanpageID.String
	conv.Channel = Source(channel)
	conv.Source = Source(source)

	if err := json.Unmarshal([]byte(tagsJSON), &conv.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if conv.Tags == nil {
		conv.Tags = []string{}
	}

	if conv.LastMessageAt, err = parseTime("last_message_at", lastAt); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &conv, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the customer already has one on the channel.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Tags == nil {
		conv.Tags = []string{}
	}
	tags, err := json.Marshal(conv.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	if conv.Channel == "" {
		conv.Channel = conv.Source
	}
	if conv.Channel == "" {
		conv.Channel = SourceMessenger
	}
	if conv.Source == "" {
		conv.Source = conv.Channel
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.Channel),
		conv.CustomerID,
		conv.CustomerName,
		conv.PasswordHash,
		conv.LastMessage,
		formatTime(conv.LastMessageAt),
		conv.UnreadCount,
		nullString(conv.AssignedTo),
		string(tags),
		conv.ProfilePicture,
		conv.AIEnabled,
		nullString(conv.AIThreadID),
		string(conv.Source),
		nullString(conv.FanpageID),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "channel", conv.Channel, "customer_id", conv.CustomerID)
	return nil
}

func (s *SQLiteStore) getConversationWhere(ctx context.Context, where string, args ...any) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + where
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "id = ?", id)
}

// GetConversationByCustomer retrieves the conversation a customer opened on channel.
// Customer ids are only unique within their channel.
func (s *SQLiteStore) GetConversationByCustomer(ctx context.Context, channel Source, customerID string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "channel = ? AND customer_id = ?", string(channel), customerID)
}

// GetConversationByUsername retrieves a conversation by its generated username.
func (s *SQLiteStore) GetConversationByUsername(ctx context.Context, username string) (*Conversation, error) {
	return s.getConversationWhere(ctx, "customer_name = ?", username)
}

// GetConversationByThread retrieves the conversation bound to an assistant thread.
func (s *SQLiteStore) GetConversationByThread(ctx context.Context, threadID string) (*Conversation, error) {
	if threadID == "" {
		return nil, ErrNotFound
	}
	return s.getConversationWhere(ctx, "ai_thread_id = ?", threadID)
}

// ListConversations retrieves conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// updateConversation runs an UPDATE against a single conversation and returns the fresh row.
func (s *SQLiteStore) updateConversation(ctx context.Context, id, set string, args ...any) (*Conversation, error) {
	query := `UPDATE conversations SET ` + set + `, updated_at = ? WHERE id = ?`
	args = append(args, formatTime(time.Now()), id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return s.GetConversation(ctx, id)
}

// RecordInbound sets the last message and increments unread_count in one statement.
// last_message_at never moves backwards.
func (s *SQLiteStore) RecordInbound(ctx context.Context, id, lastMessage string, at time.Time, source Source) (*Conversation, error) {
	return s.updateConversation(ctx, id,
		`last_message = ?, last_message_at = MAX(last_message_at, ?), unread_count = unread_count + 1, source = ?`,
		lastMessage, formatTime(at), string(source),
	)
}

// RecordOutbound sets the last message without changing unread_count.
func (s *SQLiteStore) RecordOutbound(ctx context.Context, id, lastMessage string, at time.Time) (*Conversation, error) {
	return s.updateConversation(ctx, id,
		`last_message = ?, last_message_at = MAX(last_message_at, ?)`,
		lastMessage, formatTime(at),
	)
}

// MarkConversationRead resets the unread counter.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, id string) (*Conversation, error) {
	return s.updateConversation(ctx, id, `unread_count = 0`)
}

// ToggleConversationAI flips the AI flag of a conversation.
func (s *SQLiteStore) ToggleConversationAI(ctx context.Context, id string) (*Conversation, error) {
	return s.updateConversation(ctx, id, `ai_enabled = NOT ai_enabled`)
}

// SetAIThread stores the assistant continuation handle of a conversation.
func (s *SQLiteStore) SetAIThread(ctx context.Context, id, threadID string) error {
	_, err := s.updateConversation(ctx, id, `ai_thread_id = ?`, nullString(threadID))
	return err
}
