// Package store provides SQLite-backed persistence for conversation
// transcripts, delivery retry records, the offline send queue, and
// training program state. Everything here must survive a process
// restart: a message queued while offline is still queued after a
// crash, and a retry record outlives the attempt that created it.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Delivery states for a conversation message.
const (
	StateSending  = "sending"
	StateSent     = "sent"
	StateRetrying = "retrying"
	StateOffline  = "offline"
	StateFailed   = "failed"
)

// Message is one transcript entry. Role is "user", "assistant", or
// "system"; system entries carry directive results and are never
// replayed to the model as conversation history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	DeliveryState  string    `json:"delivery_state"`

	// Retryable is meaningful only when DeliveryState is "failed":
	// it controls whether a manual retry is still offered.
	Retryable bool `json:"retryable"`
}

// RetryRecord tracks delivery attempts for one message. Created on
// first failure, deleted on success.
type RetryRecord struct {
	MessageID      string    `json:"message_id"`
	Attempt        int       `json:"attempt"`
	LastError      string    `json:"last_error"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- Conversation transcript. Append order is the source of truth for
	-- replay; created_at alone is not unique enough at turn speed.
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivery_state TEXT NOT NULL,
		retryable BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	-- Delivery retry bookkeeping, keyed by message id.
	CREATE TABLE IF NOT EXISTS retry_records (
		message_id TEXT PRIMARY KEY,
		attempt INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		next_eligible_at TIMESTAMP NOT NULL
	);

	-- FIFO offline queue. Position is monotonic; drain order is
	-- strictly ascending position.
	CREATE TABLE IF NOT EXISTS offline_queue (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE
	);

	-- Training program key/value state (program start date, current
	-- block, etc). Written by executors, read across restarts.
	CREATE TABLE IF NOT EXISTS program_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage inserts a new transcript entry.
func (s *Store) AppendMessage(m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, created_at, delivery_state, retryable)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt, m.DeliveryState, m.Retryable)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessageContent replaces a message's content.
func (s *Store) UpdateMessageContent(id, content string) error {
	_, err := s.db.Exec(`UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

// SetDeliveryState updates a message's delivery state. The retryable
// flag is only consulted for StateFailed but is stored as given.
func (s *Store) SetDeliveryState(id, state string, retryable bool) error {
	_, err := s.db.Exec(`UPDATE messages SET delivery_state = ?, retryable = ? WHERE id = ?`,
		state, retryable, id)
	if err != nil {
		return fmt.Errorf("set delivery state: %w", err)
	}
	return nil
}

// Message fetches a single message by id.
func (s *Store) Message(id string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, created_at, delivery_state, retryable
		FROM messages WHERE id = ?
	`, id)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.DeliveryState, &m.Retryable)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// Messages returns a conversation's transcript in append order.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, created_at, delivery_state, retryable
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.DeliveryState, &m.Retryable); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InFlight returns user messages a previous process left mid-delivery
// (sending or retrying state), in append order. Sent, failed, and
// offline-queued messages are settled states and are not included.
func (s *Store) InFlight() ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, created_at, delivery_state, retryable
		FROM messages
		WHERE role = 'user' AND delivery_state IN (?, ?)
		ORDER BY seq ASC
	`, StateSending, StateRetrying)
	if err != nil {
		return nil, fmt.Errorf("query in-flight messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.DeliveryState, &m.Retryable); err != nil {
			return nil, fmt.Errorf("scan in-flight message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertRetry creates or replaces the retry record for a message.
func (s *Store) UpsertRetry(r RetryRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO retry_records (message_id, attempt, last_error, next_eligible_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			attempt = excluded.attempt,
			last_error = excluded.last_error,
			next_eligible_at = excluded.next_eligible_at
	`, r.MessageID, r.Attempt, r.LastError, r.NextEligibleAt)
	if err != nil {
		return fmt.Errorf("upsert retry record: %w", err)
	}
	return nil
}

// Retry returns the retry record for a message, or nil if none exists.
func (s *Store) Retry(messageID string) (*RetryRecord, error) {
	row := s.db.QueryRow(`
		SELECT message_id, attempt, last_error, next_eligible_at
		FROM retry_records WHERE message_id = ?
	`, messageID)

	var r RetryRecord
	err := row.Scan(&r.MessageID, &r.Attempt, &r.LastError, &r.NextEligibleAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan retry record: %w", err)
	}
	return &r, nil
}

// DeleteRetry removes a message's retry record. Deleting a record
// that does not exist is not an error.
func (s *Store) DeleteRetry(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM retry_records WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete retry record: %w", err)
	}
	return nil
}

// EnqueueOffline appends a message id to the offline queue. Enqueuing
// an id that is already queued keeps its original position.
func (s *Store) EnqueueOffline(messageID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO offline_queue (message_id) VALUES (?)
	`, messageID)
	if err != nil {
		return fmt.Errorf("enqueue offline: %w", err)
	}
	return nil
}

// OfflineQueue returns queued message ids in FIFO order.
func (s *Store) OfflineQueue() ([]string, error) {
	rows, err := s.db.Query(`SELECT message_id FROM offline_queue ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query offline queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan offline queue: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveOffline drops a message id from the offline queue.
func (s *Store) RemoveOffline(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM offline_queue WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove offline: %w", err)
	}
	return nil
}

// SetProgramState writes a training program key/value pair.
func (s *Store) SetProgramState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO program_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("set program state: %w", err)
	}
	return nil
}

// ProgramState reads a training program value. The second return is
// false when the key has never been written.
func (s *Store) ProgramState(key string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT value FROM program_state WHERE key = ?`, key)
	var v string
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan program state: %w", err)
	}
	return v, true, nil
}
