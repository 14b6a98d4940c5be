package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// initialWindow bounds the first delta round
const initialWindow = 24 * time.Hour

// Adapter implements MailProvider for Microsoft Graph using message delta
type Adapter struct {
	providerType string
	caps         sync.Capabilities
	broker       auth.TokenBroker
	newAPI       APIFactory
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Adapter
type Option func(*Adapter)

// WithAPIFactory replaces the Graph client constructor.
func WithAPIFactory(f APIFactory) Option {
	return func(a *Adapter) { a.newAPI = f }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates a Graph adapter for providerType
func New(providerType string, caps sync.Capabilities, broker auth.TokenBroker, opts ...Option) *Adapter {
	a := &Adapter{
		providerType: sync.NormalizeProviderType(providerType),
		caps:         caps,
		broker:       broker,
		newAPI:       NewGraphAPI,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("provider", a.providerType)
	return a
}

type session struct {
	account sync.Account
	api     API
}

func (s *session) Account() sync.Account { return s.account }

func (a *Adapter) Name() string                    { return a.providerType }
func (a *Adapter) Capabilities() sync.Capabilities { return a.caps }

func (a *Adapter) InitializeClient(ctx context.Context, account sync.Account) (sync.Session, error) {
	identity := account.OAuthIdentity
	if identity == "" {
		identity = account.Email
	}
	if identity == "" {
		return nil, &sync.ConfigurationError{ProviderType: a.providerType, Message: "account has no OAuth identity"}
	}
	if a.broker == nil {
		return nil, &sync.ConfigurationError{ProviderType: a.providerType, Message: "no token broker configured"}
	}

	ts, err := a.broker.TokenSource(ctx, auth.ProviderMicrosoft, identity, account.OrganizationID)
	if err != nil {
		return nil, &sync.AuthenticationError{ProviderType: a.providerType, Account: identity, Err: err}
	}
	mailbox := account.Email
	if mailbox == "" {
		mailbox = identity
	}
	api, err := a.newAPI(ctx, ts, mailbox)
	if err != nil {
		return nil, &sync.AuthenticationError{ProviderType: a.providerType, Account: identity, Err: err}
	}
	return &session{account: account, api: api}, nil
}

// GetIncrementalChanges follows the stored delta link, or starts a new delta
// round bounded by cursor.Since (or the last 24h) when there is none. An
// expired link restarts the round once.
func (a *Adapter) GetIncrementalChanges(ctx context.Context, s sync.Session, cursor sync.Cursor, opts sync.Options) (*sync.ChangeSet, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}
	logger := sync.ProviderLogger(a.logger, a.providerType, sess.account)

	out, err := a.deltaRound(ctx, sess, cursor, opts)
	if errors.Is(err, ErrDeltaExpired) {
		logger.Warn("delta link expired, restarting round")
		out, err = a.deltaRound(ctx, sess, sync.Cursor{Since: cursor.Since}, opts)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("graph delta sync", "messages", len(out.Messages), "skipped", out.Skipped, "resumable", out.Cursor.Token != "")
	return out, nil
}

func (a *Adapter) deltaRound(ctx context.Context, sess *session, cursor sync.Cursor, opts sync.Options) (*sync.ChangeSet, error) {
	logger := sync.ProviderLogger(a.logger, a.providerType, sess.account)
	pageSize := sync.BatchSize(opts.BatchSize, a.caps)

	now := a.now()
	link, filter := cursor.Token, ""
	if link == "" {
		since := now.Add(-initialWindow)
		if cursor.Since != nil {
			since = *cursor.Since
		}
		filter = "receivedDateTime ge " + since.UTC().Format(time.RFC3339)
	}

	// Since only advances when the round reaches its delta link, so a
	// restart after an expired next link still covers unfetched pages.
	out := &sync.ChangeSet{Cursor: sync.Cursor{Since: cursor.Since, Token: cursor.Token}}
	var newest *time.Time
	for page := 1; ; page++ {
		p, err := sess.api.Delta(ctx, link, filter, pageSize)
		if err != nil {
			if errors.Is(err, ErrDeltaExpired) {
				return nil, err
			}
			return nil, &sync.TransportError{ProviderType: a.providerType, Op: "delta", Err: err}
		}

		for _, m := range p.Messages {
			if isRemoved(m) {
				continue
			}
			nm, err := a.normalize(m, sess.account.Email, now)
			if err != nil {
				out.Skipped++
				logger.Warn("skipping message", "message_id", deref(m.GetId()), "error", err)
				continue
			}
			out.Messages = append(out.Messages, nm)
			ts := nm.Timestamp()
			if newest == nil || ts.After(*newest) {
				newest = &ts
			}
		}

		switch {
		case p.DeltaLink != "":
			out.Cursor.Token = p.DeltaLink
			out.Cursor.Since = laterOf(out.Cursor.Since, newest)
			return out, nil
		case p.NextLink == "":
			out.Cursor.Since = laterOf(out.Cursor.Since, newest)
			return out, nil
		case opts.MaxPages > 0 && page >= opts.MaxPages:
			// a next link resumes the same round
			out.Cursor.Token = p.NextLink
			return out, nil
		}
		link = p.NextLink
	}
}

// GetMessageDetails returns nil for messages that no longer exist.
func (a *Adapter) GetMessageDetails(ctx context.Context, s sync.Session, providerMessageID string) (*sync.NormalizedMessage, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}
	m, err := sess.api.GetMessage(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, &sync.TransportError{ProviderType: a.providerType, Op: "get message", Err: err}
	}
	nm, err := a.normalize(m, sess.account.Email, a.now())
	if err != nil {
		return nil, err
	}
	return &nm, nil
}

func (a *Adapter) MarkAsRead(ctx context.Context, s sync.Session, providerMessageID string) (bool, error) {
	return a.setRead(ctx, s, "mark_as_read", providerMessageID, true)
}

func (a *Adapter) MarkAsUnread(ctx context.Context, s sync.Session, providerMessageID string) (bool, error) {
	return a.setRead(ctx, s, "mark_as_unread", providerMessageID, false)
}

func (a *Adapter) setRead(ctx context.Context, s sync.Session, op, id string, read bool) (bool, error) {
	if !a.caps.BidirectionalSync {
		return false, &sync.CapabilityError{ProviderType: a.providerType, Operation: op}
	}
	sess, err := a.session(s)
	if err != nil {
		return false, err
	}
	if err := sess.api.SetRead(ctx, id, read); err != nil {
		return false, &sync.TransportError{ProviderType: a.providerType, Op: op, Err: err}
	}
	return true, nil
}

// Search runs a Graph $search; pageToken is the previous page's next link.
func (a *Adapter) Search(ctx context.Context, s sync.Session, query, pageToken string) (*sync.SearchPage, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}
	p, err := sess.api.Search(ctx, query, pageToken, int32(a.caps.MaxBatchSize))
	if err != nil {
		return nil, &sync.TransportError{ProviderType: a.providerType, Op: "search", Err: err}
	}

	now := a.now()
	page := &sync.SearchPage{NextPageToken: p.NextLink}
	for _, m := range p.Messages {
		nm, err := a.normalize(m, sess.account.Email, now)
		if err != nil {
			a.logger.Warn("skipping search result", "message_id", deref(m.GetId()), "error", err)
			continue
		}
		page.Messages = append(page.Messages, nm)
	}
	return page, nil
}

func (a *Adapter) FindByMessageID(ctx context.Context, s sync.Session, rfcMessageID string) (string, error) {
	sess, err := a.session(s)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(rfcMessageID)
	if id == "" {
		return "", nil
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id + ">"
	}
	found, err := sess.api.FindByInternetMessageID(ctx, id)
	if err != nil {
		return "", &sync.TransportError{ProviderType: a.providerType, Op: "find by message id", Err: err}
	}
	return found, nil
}

func (a *Adapter) session(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("%s: %w", a.providerType, sync.ErrSessionMismatch)
	}
	return sess, nil
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}
