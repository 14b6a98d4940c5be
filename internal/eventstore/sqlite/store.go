package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a message or sync state row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists normalized messages, per-account cursors and the outbox
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// SyncState is the persisted progress of one account
type SyncState struct {
	AccountID    string        `db:"account_id" json:"account_id"`
	Provider     string        `db:"provider" json:"provider"`
	CursorSince  sql.NullInt64 `db:"cursor_since" json:"-"`
	CursorToken  string        `db:"cursor_token" json:"-"`
	Status       string        `db:"status" json:"status"`
	LastError    string        `db:"last_error" json:"last_error,omitempty"`
	ErrorCount   int           `db:"error_count" json:"error_count"`
	LastSyncedAt sql.NullInt64 `db:"last_synced_at" json:"-"`
	UpdatedAt    int64         `db:"updated_at" json:"updated_at"`
}

// Cursor converts the stored columns back into a sync cursor.
func (s SyncState) Cursor() sync.Cursor {
	c := sync.Cursor{Token: s.CursorToken}
	if s.CursorSince.Valid {
		t := time.Unix(s.CursorSince.Int64, 0)
		c.Since = &t
	}
	return c
}

// Open opens or creates the store at dbPath. ":memory:" gives a private
// in-memory database on a single connection.
func Open(dbPath string) (*Store, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadCursor returns the stored cursor, or a zero cursor for a new account.
func (s *Store) LoadCursor(ctx context.Context, accountID string) (sync.Cursor, error) {
	st, err := s.SyncState(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return sync.Cursor{}, nil
	}
	if err != nil {
		return sync.Cursor{}, err
	}
	return st.Cursor(), nil
}

// SyncState returns the stored state for an account
func (s *Store) SyncState(ctx context.Context, accountID string) (*SyncState, error) {
	var st SyncState
	err := s.db.GetContext(ctx, &st, `SELECT * FROM sync_state WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &st, nil
}

// CommitBatch upserts msgs, enqueues events and advances the cursor in one
// transaction. Re-delivered messages update in place.
func (s *Store) CommitBatch(ctx context.Context, account sync.Account, msgs []sync.NormalizedMessage, events []sync.OutboxEvent, next sync.Cursor) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.ProviderMessageID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages
			(account_id, provider, provider_message_id, internal_id, provider_thread_id, message_id,
			 subject, from_address, direction, read_state, msg_date, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, provider_message_id) DO UPDATE SET
				read_state = excluded.read_state,
				subject = excluded.subject,
				payload = excluded.payload,
				updated_at = excluded.updated_at
		`, account.ID, m.Provider, m.ProviderMessageID, m.InternalID, m.ProviderThreadID, m.MessageID,
			m.Subject, m.FromAddress, string(m.Direction), string(m.ReadState), m.Timestamp().Unix(),
			string(payload), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ProviderMessageID, err)
		}
	}

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, ev.Subject, ev.EventType, ev.Payload, ev.MsgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	var since sql.NullInt64
	if next.Since != nil {
		since = sql.NullInt64{Int64: next.Since.Unix(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, provider, cursor_since, cursor_token, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			provider = excluded.provider,
			cursor_since = excluded.cursor_since,
			cursor_token = excluded.cursor_token,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, account.ID, sync.NormalizeProviderType(account.ProviderType), since, next.Token, now, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateSyncStatus records status; a non-empty errMsg bumps the error count
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, status, errMsg string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, status, last_error, error_count, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			error_count = CASE WHEN excluded.last_error != '' THEN sync_state.error_count + 1 ELSE sync_state.error_count END,
			updated_at = excluded.updated_at
	`, accountID, status, errMsg, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// SetReadState mirrors a read flag change onto the stored message.
func (s *Store) SetReadState(ctx context.Context, accountID, providerMessageID string, state sync.ReadState) error {
	msg, err := s.GetMessage(ctx, accountID, providerMessageID)
	if err != nil {
		return err
	}
	msg.ReadState = state
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET read_state = ?, payload = ?, updated_at = ?
		WHERE account_id = ? AND provider_message_id = ?
	`, string(state), string(payload), s.now().Unix(), accountID, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to set read state: %w", err)
	}
	return nil
}

// GetMessage returns a stored message
func (s *Store) GetMessage(ctx context.Context, accountID, providerMessageID string) (*sync.NormalizedMessage, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `
		SELECT payload FROM messages WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	var msg sync.NormalizedMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns the newest messages of an account
func (s *Store) ListMessages(ctx context.Context, accountID string, limit int) ([]sync.NormalizedMessage, error) {
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM messages WHERE account_id = ?
		ORDER BY msg_date DESC, provider_message_id
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	out := make([]sync.NormalizedMessage, 0, len(payloads))
	for _, p := range payloads {
		var msg sync.NormalizedMessage
		if err := json.Unmarshal([]byte(p), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxEvent, error) {
	var events []sync.OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, subject, event_type, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return events, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
