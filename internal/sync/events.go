package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventMessageSynced is emitted for every message persisted by a sync pass
const EventMessageSynced = "message.synced"

// MessageEvent is the payload published for a synced message
type MessageEvent struct {
	EventID        string            `json:"event_id"`
	Type           string            `json:"type"`
	AccountID      string            `json:"account_id"`
	OrganizationID string            `json:"organization_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Message        NormalizedMessage `json:"message"`
}

// OutboxEvent is one pending publication
type OutboxEvent struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
}

// Store persists sync results. CommitBatch writes messages, outbox events and
// the next cursor atomically.
type Store interface {
	LoadCursor(ctx context.Context, accountID string) (Cursor, error)
	CommitBatch(ctx context.Context, account Account, msgs []NormalizedMessage, events []OutboxEvent, next Cursor) error
	UpdateSyncStatus(ctx context.Context, accountID, status, errMsg string) error
	SetReadState(ctx context.Context, accountID, providerMessageID string, state ReadState) error
}

// Outbox is the dispatcher's view of the store
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers outbox events; msgID is used for broker-side dedup
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Sync status values recorded per account
const (
	StatusSyncing = "syncing"
	StatusIdle    = "idle"
	StatusError   = "error"
)

// Subject returns the publish subject for an account's message events.
func Subject(account Account) string {
	return fmt.Sprintf("inbox.%s.%s", subjectToken(account.ID), EventMessageSynced)
}

// subjectToken keeps ids from introducing extra subject levels.
func subjectToken(s string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	if s == "" {
		return "_"
	}
	return r.Replace(s)
}

// NewMessageEvent builds the outbox entry for one synced message. The msg id
// includes the read state so a read flip is published again.
func NewMessageEvent(account Account, msg NormalizedMessage, now time.Time) (OutboxEvent, error) {
	payload, err := json.Marshal(MessageEvent{
		EventID:        uuid.NewString(),
		Type:           EventMessageSynced,
		AccountID:      account.ID,
		OrganizationID: account.OrganizationID,
		OccurredAt:     now.UTC(),
		Message:        msg,
	})
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal message event: %w", err)
	}
	return OutboxEvent{
		Subject:   Subject(account),
		EventType: EventMessageSynced,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s|%s", EventMessageSynced, account.ID, msg.ProviderMessageID, msg.ReadState),
	}, nil
}
