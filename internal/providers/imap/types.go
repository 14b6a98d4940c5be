package imap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// ConnectionConfig is the resolved descriptor a Fetcher dials with
type ConnectionConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// Addr returns host:port.
func (c ConnectionConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// String omits the password.
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s@%s (tls=%t)", c.User, c.Addr(), c.TLS)
}

// Fetcher is the IMAP protocol client the provider drives
type Fetcher interface {
	// FetchRecent returns up to limit of the newest INBOX messages.
	FetchRecent(ctx context.Context, cfg ConnectionConfig, limit int) ([]RawMessage, error)
	// Count logs in and returns the number of messages in INBOX.
	Count(ctx context.Context, cfg ConnectionConfig) (int, error)
}

// StringList decodes from either a JSON string or a JSON array of strings.
// A single string is split on whitespace into message ids.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = sync.SplitMessageIDs(s)
	return nil
}

// RawMessage is one parsed message as returned by a Fetcher
type RawMessage struct {
	UID         uint32            `json:"uid"`
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Date        time.Time         `json:"date"`
	DateHeader  string            `json:"date_header"`
	Text        string            `json:"text"`
	HTML        string            `json:"html"`
	InReplyTo   StringList        `json:"in_reply_to"`
	References  StringList        `json:"references"`
	Attachments []sync.Attachment `json:"attachments"`
}
