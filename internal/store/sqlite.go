// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with fixed-width fractional seconds. Timestamps are
// stored as TEXT and sorted lexically, so trailing zeros must not be trimmed
// or the sort diverges from chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

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

	// Single connection so the PRAGMAs below apply to every statement
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

	// Make concurrent writers wait for the lock instead of failing
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The schema is fixed at deployment; there is no runtime column patching.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL UNIQUE,
			last_message TEXT NOT NULL DEFAULT '',
			claimed_by TEXT,
			finished INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			channel_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT,
			image_url TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sender
			ON messages(conversation_id, sender, id DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertConversation creates a conversation for channelID if none exists
// (unclaimed, unfinished), otherwise updates its summary. Either way the
// updated_at timestamp is bumped and the resulting row returned.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, channelID, summary string) (*Conversation, error) {
	now := time.Now().UTC().Format(timeLayout)

	query := `
		INSERT INTO conversations (channel_id, last_message, claimed_by, finished, updated_at)
		VALUES (?, ?, NULL, 0, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_message = excluded.last_message,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, channelID, summary, now); err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}

	conv, err := s.GetConversationByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("reading back conversation: %w", err)
	}

	s.logger.Debug("upserted conversation", "id", conv.ID, "channel_id", channelID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, last_message, claimed_by, finished, updated_at
		FROM conversations
		WHERE id = ?
	`, id)
	return scanConversation(row)
}

// GetConversationByChannel retrieves a conversation by its channel identifier.
// Returns ErrNotFound if no conversation exists for the channel.
func (s *SQLiteStore) GetConversationByChannel(ctx context.Context, channelID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, last_message, claimed_by, finished, updated_at
		FROM conversations
		WHERE channel_id = ?
	`, channelID)
	return scanConversation(row)
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var claimedBy sql.NullString
	var finished int
	var updatedAtStr string

	err := row.Scan(&conv.ID, &conv.ChannelID, &conv.LastMessage, &claimedBy, &finished, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.ClaimedBy = claimedBy.String
	conv.Finished = finished != 0
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// ListConversations returns all conversations ordered by most recent
// activity. Ties on updated_at fall back to id so the order is deterministic.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, last_message, claimed_by, finished, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// AppendMessage inserts a message unless it is a consecutive duplicate.
//
// The dedup check compares the candidate against the most recent stored
// message for the same (conversation, sender) pair only: identical (text,
// image_url) collapses into the existing row and AppendMessage returns
// (nil, nil). A matching message separated by an intervening one inserts
// normally. Check and insert run in one transaction so concurrent writers
// cannot interleave between them.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID int64, channelID string, sender Sender, text, imageURL string) (*Message, error) {
	if text == "" && imageURL == "" {
		return nil, ErrEmptyMessage
	}
	if !sender.Valid() {
		return nil, fmt.Errorf("unknown sender %q", sender)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var lastText, lastImage sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT text, image_url FROM messages
		WHERE conversation_id = ? AND sender = ?
		ORDER BY id DESC LIMIT 1
	`, conversationID, sender).Scan(&lastText, &lastImage)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying last message: %w", err)
	}

	if err == nil && lastText.String == text && lastImage.String == imageURL {
		// Consecutive duplicate from the same sender: silent no-op.
		s.logger.Debug("duplicate message suppressed",
			"conversation_id", conversationID, "sender", sender)
		return nil, nil
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, channel_id, sender, text, image_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationID, channelID, sender, nullString(text), nullString(imageURL), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", id, "conversation_id", conversationID, "sender", sender)
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		ChannelID:      channelID,
		Sender:         sender,
		Text:           text,
		ImageURL:       imageURL,
		CreatedAt:      now,
	}, nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListMessages retrieves all messages for a conversation in ascending id
// order — the total order polling clients rely on.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	return s.ListMessagesAfter(ctx, conversationID, 0)
}

// ListMessagesAfter retrieves messages with id greater than afterID in
// ascending id order. afterID 0 returns the full history.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID, afterID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, channel_id, sender, text, image_url, created_at
		FROM messages
		WHERE conversation_id = ? AND id > ?
		ORDER BY id ASC
	`, conversationID, afterID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var text, imageURL sql.NullString
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.ChannelID, &msg.Sender, &text, &imageURL, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Text = text.String
		msg.ImageURL = imageURL.String
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// Claim assigns the conversation to agent via a single-row conditional
// update. At most one concurrent claim succeeds; losers get an
// AlreadyClaimedError naming the current holder. Returns ErrNotFound if the
// conversation doesn't exist.
func (s *SQLiteStore) Claim(ctx context.Context, conversationID int64, agent string) error {
	for {
		now := time.Now().UTC().Format(timeLayout)

		result, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET claimed_by = ?, updated_at = ?
			WHERE id = ? AND (claimed_by IS NULL OR claimed_by = '')
		`, agent, now, conversationID)
		if err != nil {
			return fmt.Errorf("claiming conversation: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected > 0 {
			s.logger.Debug("claimed conversation", "id", conversationID, "agent", agent)
			return nil
		}

		// The conditional update matched nothing: either the row is missing
		// or another agent holds the claim.
		conv, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.ClaimedBy != "" {
			return &AlreadyClaimedError{Agent: conv.ClaimedBy}
		}
		// The holder released between the update and the read; try again
		// rather than reporting a claim held by nobody.
	}
}

// Finish marks the conversation finished. The claim is deliberately left in
// place so history shows who handled it. Returns ErrNotFound if absent.
func (s *SQLiteStore) Finish(ctx context.Context, conversationID int64) error {
	now := time.Now().UTC().Format(timeLayout)

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET finished = 1, updated_at = ? WHERE id = ?
	`, now, conversationID)
	if err != nil {
		return fmt.Errorf("finishing conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("finished conversation", "id", conversationID)
	return nil
}

// Reopen clears the claim and the finished flag, returning the conversation
// to the pending queue for any agent to pick up. Returns ErrNotFound if
// absent.
func (s *SQLiteStore) Reopen(ctx context.Context, conversationID int64) error {
	now := time.Now().UTC().Format(timeLayout)

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET claimed_by = NULL, finished = 0, updated_at = ? WHERE id = ?
	`, now, conversationID)
	if err != nil {
		return fmt.Errorf("reopening conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("reopened conversation", "id", conversationID)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
