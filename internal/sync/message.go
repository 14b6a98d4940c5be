package sync

import (
	"encoding/json"
	"fmt"
	"time"
)

// WallTimeLayout is the stored timestamp format: local wall clock, no offset.
const WallTimeLayout = "2006-01-02T15:04:05"

// Direction of a message relative to the synced mailbox
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ReadState is tri-state so backends that do not track read status can say so
type ReadState string

const (
	ReadUnknown ReadState = "unknown"
	ReadRead    ReadState = "read"
	ReadUnread  ReadState = "unread"
)

// IsRead reports true only for a known read state.
func (r ReadState) IsRead() bool { return r == ReadRead }

// Known reports whether the backend told us anything about read state.
func (r ReadState) Known() bool { return r == ReadRead || r == ReadUnread }

// SyncStatus values stamped on normalized messages
const (
	StatusSynced = "synced"
)

// WallTime is a timestamp rendered in the process-local zone without offset.
type WallTime struct {
	time.Time
}

// NewWallTime converts t to the local zone, truncated to whole seconds.
func NewWallTime(t time.Time) *WallTime {
	return &WallTime{Time: t.In(time.Local).Truncate(time.Second)}
}

func (w WallTime) String() string {
	return w.In(time.Local).Format(WallTimeLayout)
}

func (w WallTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *WallTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.ParseInLocation(WallTimeLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("parse wall time %q: %w", s, err)
	}
	w.Time = t
	return nil
}

// Attachment describes one attachment part without its content
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// NormalizedMessage is the provider-agnostic message shape every provider emits.
// ProviderMessageID is the idempotency key for downstream upserts.
type NormalizedMessage struct {
	InternalID        string       `json:"internal_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	ProviderThreadID  string       `json:"provider_thread_id,omitempty"`
	MessageID         string       `json:"message_id,omitempty"`
	Subject           string       `json:"subject"`
	FromAddress       string       `json:"from_address"`
	FromName          string       `json:"from_name,omitempty"`
	ToAddress         string       `json:"to_address"`
	ToName            string       `json:"to_name,omitempty"`
	Direction         Direction    `json:"direction"`
	ReadState         ReadState    `json:"read_state"`
	BodyText          string       `json:"body_text"`
	BodyHTML          string       `json:"body_html,omitempty"`
	InReplyTo         []string     `json:"in_reply_to,omitempty"`
	References        []string     `json:"references,omitempty"`
	SentAt            *WallTime    `json:"sent_at,omitempty"`
	ReceivedAt        *WallTime    `json:"received_at,omitempty"`
	HasAttachments    bool         `json:"has_attachments"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Provider          string       `json:"provider"`
	SyncStatus        string       `json:"sync_status"`
	LastStatusSyncAt  *WallTime    `json:"last_status_sync_at,omitempty"`
}

// Timestamp returns whichever of SentAt/ReceivedAt the direction populated.
func (m *NormalizedMessage) Timestamp() time.Time {
	if m.Direction == DirectionSent && m.SentAt != nil {
		return m.SentAt.Time
	}
	if m.ReceivedAt != nil {
		return m.ReceivedAt.Time
	}
	if m.SentAt != nil {
		return m.SentAt.Time
	}
	return time.Time{}
}

// SetTimestamp populates exactly one of SentAt/ReceivedAt according to Direction.
func (m *NormalizedMessage) SetTimestamp(t time.Time) {
	m.SentAt, m.ReceivedAt = nil, nil
	if m.Direction == DirectionSent {
		m.SentAt = NewWallTime(t)
		return
	}
	m.ReceivedAt = NewWallTime(t)
}
