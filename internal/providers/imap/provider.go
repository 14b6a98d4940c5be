package imap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/credential"
	"github.com/Martian-dev/inbox-sync/internal/parser"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	defaultTLSPort   = 993
	defaultPlainPort = 143
)

// Provider polls a mailbox over a connection. It cannot change server state.
type Provider struct {
	providerType string
	caps         sync.Capabilities
	keys         credential.KeyProvider
	fetcher      Fetcher
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Provider
type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClock sets the time source for status stamps and date fallbacks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a connection-polling provider. keys supplies the credential
// decryption key; fetcher speaks the wire protocol.
func New(providerType string, caps sync.Capabilities, keys credential.KeyProvider, fetcher Fetcher, opts ...Option) *Provider {
	p := &Provider{
		providerType: sync.NormalizeProviderType(providerType),
		caps:         caps,
		keys:         keys,
		fetcher:      fetcher,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("provider", p.providerType)
	return p
}

type session struct {
	account sync.Account
	conn    ConnectionConfig
}

func (s *session) Account() sync.Account { return s.account }

func (p *Provider) Name() string                    { return p.providerType }
func (p *Provider) Capabilities() sync.Capabilities { return p.caps }

// InitializeClient decrypts the stored credentials and resolves the
// connection descriptor. It does not dial.
func (p *Provider) InitializeClient(ctx context.Context, account sync.Account) (sync.Session, error) {
	conn, err := p.resolve(ctx, account)
	if err != nil {
		return nil, err
	}
	return &session{account: account, conn: conn}, nil
}

func (p *Provider) resolve(ctx context.Context, account sync.Account) (ConnectionConfig, error) {
	cfg := account.IMAPConfig
	if cfg == nil || cfg.Host == "" {
		return ConnectionConfig{}, &sync.ConfigurationError{ProviderType: p.providerType, Message: "missing IMAP configuration"}
	}
	if account.CredentialsEncrypted == "" || account.CredentialsIV == "" {
		return ConnectionConfig{}, &sync.ConfigurationError{ProviderType: p.providerType, Message: "missing encrypted IMAP credentials"}
	}
	if p.keys == nil {
		return ConnectionConfig{}, &sync.ConfigurationError{ProviderType: p.providerType, Message: "no credential key configured"}
	}

	key, err := p.keys.Key(ctx)
	if err != nil {
		return ConnectionConfig{}, &sync.DecryptionError{Account: account.ID, Err: err}
	}
	creds, err := credential.DecryptCredentials(key, account.CredentialsEncrypted, account.CredentialsIV)
	if err != nil {
		return ConnectionConfig{}, &sync.DecryptionError{Account: account.ID, Err: err}
	}

	conn := ConnectionConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     creds.User,
		Password: creds.Secret(),
		TLS:      cfg.UseTLS(),
	}
	if conn.User == "" {
		conn.User = cfg.User
	}
	if conn.Port == 0 {
		conn.Port = defaultPlainPort
		if conn.TLS {
			conn.Port = defaultTLSPort
		}
	}
	if conn.User == "" || conn.Password == "" {
		return ConnectionConfig{}, &sync.ConfigurationError{ProviderType: p.providerType, Message: "decrypted credentials have no user or password"}
	}
	return conn, nil
}

// GetIncrementalChanges fetches the newest batch and keeps messages received
// strictly after cursor.Since. Unparseable messages are skipped.
func (p *Provider) GetIncrementalChanges(ctx context.Context, s sync.Session, cursor sync.Cursor, opts sync.Options) (*sync.ChangeSet, error) {
	sess, err := p.session(s)
	if err != nil {
		return nil, err
	}
	logger := sync.ProviderLogger(p.logger, p.providerType, sess.account)

	raws, err := p.fetcher.FetchRecent(ctx, sess.conn, sync.BatchSize(opts.BatchSize, p.caps))
	if err != nil {
		return nil, &sync.TransportError{ProviderType: p.providerType, Op: "fetch", Err: err}
	}

	now := p.now()
	out := &sync.ChangeSet{Cursor: cursor}
	for _, raw := range raws {
		nm, err := p.normalize(raw, now)
		if err != nil {
			out.Skipped++
			logger.Warn("skipping message", "uid", raw.UID, "error", err)
			continue
		}
		received := nm.Timestamp()
		if cursor.Since != nil && !received.After(*cursor.Since) {
			continue
		}
		out.Messages = append(out.Messages, nm)
		if out.Cursor.Since == nil || received.After(*out.Cursor.Since) {
			out.Cursor.Since = &received
		}
	}

	logger.Info("imap incremental sync", "fetched", len(raws), "messages", len(out.Messages), "skipped", out.Skipped)
	return out, nil
}

// GetMessageDetails is not available over this connection model.
func (p *Provider) GetMessageDetails(context.Context, sync.Session, string) (*sync.NormalizedMessage, error) {
	return nil, nil
}

func (p *Provider) MarkAsRead(context.Context, sync.Session, string) (bool, error) {
	return false, &sync.CapabilityError{ProviderType: p.providerType, Operation: "mark_as_read"}
}

func (p *Provider) MarkAsUnread(context.Context, sync.Session, string) (bool, error) {
	return false, &sync.CapabilityError{ProviderType: p.providerType, Operation: "mark_as_unread"}
}

// TestConnection resolves credentials, logs in and counts INBOX.
func (p *Provider) TestConnection(ctx context.Context, account sync.Account) (res sync.ConnectionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = sync.ConnectionResult{Error: fmt.Sprintf("connection test panicked: %v", r)}
		}
	}()

	conn, err := p.resolve(ctx, account)
	if err != nil {
		return sync.ConnectionResult{Error: err.Error()}
	}
	n, err := p.fetcher.Count(ctx, conn)
	if err != nil {
		return sync.ConnectionResult{Error: err.Error()}
	}
	return sync.ConnectionResult{Success: true, Messages: n}
}

// normalize maps a RawMessage; it performs no I/O. now stamps the status
// time and replaces an unparseable date.
func (p *Provider) normalize(raw RawMessage, now time.Time) (sync.NormalizedMessage, error) {
	id := raw.MessageID
	if id == "" && raw.UID > 0 {
		id = fmt.Sprintf("uid-%d", raw.UID)
	}
	if id == "" {
		return sync.NormalizedMessage{}, &sync.NormalizationError{ProviderType: p.providerType, Reason: "message has neither Message-ID nor UID"}
	}

	received := raw.Date
	if received.IsZero() {
		received = sync.ParseDate(p.logger, raw.DateHeader, now)
	}

	text := raw.Text
	if text == "" && raw.HTML != "" {
		text = parser.HTMLToText(raw.HTML)
	}

	fromAddr, fromName := sync.FirstAddress(raw.From)
	toAddr, toName := sync.FirstAddress(raw.To)

	nm := sync.NormalizedMessage{
		InternalID:        sync.InternalID(p.providerType, id),
		ProviderMessageID: id,
		ProviderThreadID:  threadID(raw),
		MessageID:         raw.MessageID,
		Subject:           raw.Subject,
		FromAddress:       fromAddr,
		FromName:          fromName,
		ToAddress:         toAddr,
		ToName:            toName,
		Direction:         sync.DirectionReceived,
		ReadState:         sync.ReadUnknown,
		BodyText:          text,
		BodyHTML:          raw.HTML,
		InReplyTo:         []string(raw.InReplyTo),
		References:        []string(raw.References),
		HasAttachments:    len(raw.Attachments) > 0,
		Attachments:       raw.Attachments,
		Provider:          p.providerType,
		SyncStatus:        sync.StatusSynced,
		LastStatusSyncAt:  sync.NewWallTime(now),
	}
	nm.SetTimestamp(received)
	return nm, nil
}

// threadID is the root of the reference chain, or the message itself.
func threadID(raw RawMessage) string {
	if len(raw.References) > 0 {
		return raw.References[0]
	}
	if len(raw.InReplyTo) > 0 {
		return raw.InReplyTo[0]
	}
	return raw.MessageID
}

func (p *Provider) session(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("%s: %w", p.providerType, sync.ErrSessionMismatch)
	}
	return sess, nil
}
