package sync

import (
	"context"
	"time"
)

// IMAPConfig holds the non-secret connection parameters of a polled mailbox
type IMAPConfig struct {
	Host string `json:"host,omitempty" mapstructure:"host" yaml:"host"`
	Port int    `json:"port,omitempty" mapstructure:"port" yaml:"port"`
	User string `json:"user,omitempty" mapstructure:"user" yaml:"user"`
	TLS  *bool  `json:"tls,omitempty" mapstructure:"tls" yaml:"tls"`
}

// UseTLS defaults to implicit TLS unless explicitly disabled.
func (c *IMAPConfig) UseTLS() bool {
	return c == nil || c.TLS == nil || *c.TLS
}

// Account identifies one external mailbox
type Account struct {
	ID             string `json:"id" mapstructure:"id" yaml:"id"`
	OrganizationID string `json:"organization_id" mapstructure:"organization_id" yaml:"organization_id"`
	ProviderType   string `json:"provider_type" mapstructure:"provider_type" yaml:"provider_type"`
	Email          string `json:"email" mapstructure:"email" yaml:"email"`

	// OAuthIdentity is resolved by the token broker; opaque here.
	OAuthIdentity string `json:"oauth_identity,omitempty" mapstructure:"oauth_identity" yaml:"oauth_identity"`

	IMAPConfig           *IMAPConfig `json:"imap_config,omitempty" mapstructure:"imap_config" yaml:"imap_config"`
	CredentialsEncrypted string      `json:"imap_credentials_encrypted,omitempty" mapstructure:"imap_credentials_encrypted" yaml:"imap_credentials_encrypted"`
	CredentialsIV        string      `json:"imap_credentials_iv,omitempty" mapstructure:"imap_credentials_iv" yaml:"imap_credentials_iv"`

	// MessageVolume is the observed daily message count, used for cadence hints.
	MessageVolume int `json:"message_volume,omitempty" mapstructure:"message_volume" yaml:"message_volume"`
}

// Session is the per-account client handle produced by InitializeClient.
// Its concrete type belongs to the provider family that created it.
type Session interface {
	Account() Account
}

// Cursor is the opaque progress marker of one account.
// Timestamp strategies use Since, token strategies (delta links) use Token.
type Cursor struct {
	Since *time.Time `json:"since,omitempty"`
	Token string     `json:"token,omitempty"`
}

// IsZero reports a first sync.
func (c Cursor) IsZero() bool {
	return c.Since == nil && c.Token == ""
}

// Options tunes a single incremental call
type Options struct {
	// BatchSize is capped by the capability MaxBatchSize; zero means the cap.
	BatchSize int
	// MaxPages bounds pagination for list-based providers; zero means unbounded.
	MaxPages int
}

// ChangeSet is the result of one incremental call
type ChangeSet struct {
	Messages []NormalizedMessage
	// Skipped counts messages dropped by per-message failures.
	Skipped int
	// Cursor is the suggested next cursor; persisting it is the caller's job.
	Cursor Cursor
}

// MailProvider is the contract every backend family implements
type MailProvider interface {
	// Name returns the provider type this instance was built for.
	Name() string

	// Capabilities returns the capability entry the instance was built with.
	Capabilities() Capabilities

	// InitializeClient authenticates and returns the session for account.
	// Failures are fatal and not retried.
	InitializeClient(ctx context.Context, account Account) (Session, error)

	// GetIncrementalChanges returns normalized messages newer than cursor.
	// Single-message failures are skipped; list/connection failures propagate.
	GetIncrementalChanges(ctx context.Context, s Session, cursor Cursor, opts Options) (*ChangeSet, error)

	// GetMessageDetails fetches one message. It returns nil, nil when the
	// family cannot retrieve details.
	GetMessageDetails(ctx context.Context, s Session, providerMessageID string) (*NormalizedMessage, error)

	// MarkAsRead and MarkAsUnread fail with CapabilityError before any I/O
	// when the provider does not declare bidirectional sync.
	MarkAsRead(ctx context.Context, s Session, providerMessageID string) (bool, error)
	MarkAsUnread(ctx context.Context, s Session, providerMessageID string) (bool, error)
}

// SearchPage is one page of a direct search
type SearchPage struct {
	Messages      []NormalizedMessage
	NextPageToken string
}

// Searcher is implemented by providers that support on-demand lookups
type Searcher interface {
	Search(ctx context.Context, s Session, query, pageToken string) (*SearchPage, error)
	// FindByMessageID resolves a provider id from an RFC Message-ID header.
	// It returns "" and no error when nothing matches.
	FindByMessageID(ctx context.Context, s Session, rfcMessageID string) (string, error)
}

// ConnectionResult reports the outcome of a connectivity check
type ConnectionResult struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Messages int    `json:"messages"`
}

// ConnectionTester is implemented by providers that can check an account connection
// during setup. It never returns an error, only a result.
type ConnectionTester interface {
	TestConnection(ctx context.Context, account Account) ConnectionResult
}
