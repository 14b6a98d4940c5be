package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	labelUnread = "UNREAD"
	labelSent   = "SENT"
)

// Adapter implements MailProvider for Gmail-style API polling
type Adapter struct {
	providerType string
	caps         sync.Capabilities
	broker       auth.TokenBroker
	newAPI       APIFactory
	logger       *slog.Logger
	now          func() time.Time
	limiter      *rate.Limiter
}

// Option configures an Adapter
type Option func(*Adapter)

// WithAPIFactory replaces the Gmail client constructor.
func WithAPIFactory(f APIFactory) Option {
	return func(a *Adapter) { a.newAPI = f }
}

// WithClock sets the time source used for the first-sync window and status stamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates a Gmail adapter for providerType with the given capabilities
func New(providerType string, caps sync.Capabilities, broker auth.TokenBroker, opts ...Option) *Adapter {
	a := &Adapter{
		providerType: sync.NormalizeProviderType(providerType),
		caps:         caps,
		broker:       broker,
		newAPI:       NewServiceAPI,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("provider", a.providerType)
	a.limiter = sync.NewLimiter(caps)
	return a
}

type session struct {
	account sync.Account
	api     API
}

func (s *session) Account() sync.Account { return s.account }

func (a *Adapter) Name() string                    { return a.providerType }
func (a *Adapter) Capabilities() sync.Capabilities { return a.caps }

// InitializeClient resolves an OAuth token for the account and builds the API client
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

	ts, err := a.broker.TokenSource(ctx, auth.ProviderGoogle, identity, account.OrganizationID)
	if err != nil {
		return nil, &sync.AuthenticationError{ProviderType: a.providerType, Account: identity, Err: err}
	}
	api, err := a.newAPI(ctx, ts)
	if err != nil {
		return nil, &sync.AuthenticationError{ProviderType: a.providerType, Account: identity, Err: err}
	}

	a.logger.Debug("gmail client initialized", "account_id", account.ID, "email", identity)
	return &session{account: account, api: api}, nil
}

// GetIncrementalChanges lists messages after the cursor and normalizes them.
// Per-message failures are logged and skipped.
//
// Gmail lists newest first, so a listing cut short by MaxPages keeps the
// query start in Since and parks the page token in Token; the next call
// resumes that listing. Since only advances once a listing completes with
// no transient fetch failure. Resuming can re-deliver messages, which
// ProviderMessageID makes idempotent downstream.
func (a *Adapter) GetIncrementalChanges(ctx context.Context, s sync.Session, cursor sync.Cursor, opts sync.Options) (*sync.ChangeSet, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}

	now := a.now()
	start := QueryStart(cursor, now)
	query := afterQuery(start)
	batch := int64(sync.BatchSize(opts.BatchSize, a.caps))
	logger := sync.ProviderLogger(a.logger, a.providerType, sess.account)

	out := &sync.ChangeSet{}
	pageToken := cursor.Token
	transient := false
	for page := 1; ; page++ {
		resp, err := sess.api.ListMessages(ctx, query, pageToken, batch)
		if err != nil && page == 1 && cursor.Token != "" && isBadRequest(err) {
			logger.Warn("stale page token, restarting listing", "error", err)
			pageToken = ""
			resp, err = sess.api.ListMessages(ctx, query, pageToken, batch)
		}
		if err != nil {
			return nil, &sync.TransportError{ProviderType: a.providerType, Op: "list messages", Err: err}
		}

		ids := make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			if m != nil && m.Id != "" {
				ids = append(ids, m.Id)
			}
		}
		res := a.fetchAll(ctx, sess, ids, now, logger)
		out.Messages = append(out.Messages, res.messages...)
		out.Skipped += res.skipped
		transient = transient || res.transient

		pageToken = resp.NextPageToken
		if pageToken == "" || (opts.MaxPages > 0 && page >= opts.MaxPages) {
			break
		}
	}

	out.Cursor = nextCursor(cursor, start, out.Messages, pageToken, transient)
	logger.Info("gmail incremental sync", "query", query, "messages", len(out.Messages),
		"skipped", out.Skipped, "resume", pageToken != "")
	return out, nil
}

// nextCursor never moves past a message this call could not see: a failed
// fetch keeps the incoming cursor, an unfinished listing keeps its start.
func nextCursor(cursor sync.Cursor, start time.Time, msgs []sync.NormalizedMessage, pageToken string, transient bool) sync.Cursor {
	if transient {
		return cursor
	}
	if pageToken != "" {
		return sync.Cursor{Since: &start, Token: pageToken}
	}
	next := sync.Cursor{Since: cursor.Since}
	if cursor.Token != "" {
		next.Since = &start
	}
	for i := range msgs {
		ts := msgs[i].Timestamp()
		if next.Since == nil || ts.After(*next.Since) {
			next.Since = &ts
		}
	}
	return next
}

// GetMessageDetails fetches a single message. A message that no longer
// exists yields nil without error.
func (a *Adapter) GetMessageDetails(ctx context.Context, s sync.Session, providerMessageID string) (*sync.NormalizedMessage, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}

	msg, err := sess.api.GetMessage(ctx, providerMessageID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, &sync.TransportError{ProviderType: a.providerType, Op: "get message", Err: err}
	}

	nm, err := a.normalize(msg, a.now())
	if err != nil {
		return nil, err
	}
	return &nm, nil
}

func (a *Adapter) MarkAsRead(ctx context.Context, s sync.Session, providerMessageID string) (bool, error) {
	return a.modify(ctx, s, "mark_as_read", providerMessageID, nil, []string{labelUnread})
}

func (a *Adapter) MarkAsUnread(ctx context.Context, s sync.Session, providerMessageID string) (bool, error) {
	return a.modify(ctx, s, "mark_as_unread", providerMessageID, []string{labelUnread}, nil)
}

// modify success is decided by the HTTP status alone.
func (a *Adapter) modify(ctx context.Context, s sync.Session, op, id string, add, remove []string) (bool, error) {
	if !a.caps.BidirectionalSync {
		return false, &sync.CapabilityError{ProviderType: a.providerType, Operation: op}
	}
	sess, err := a.session(s)
	if err != nil {
		return false, err
	}

	resp, err := sess.api.ModifyMessage(ctx, id, add, remove)
	if err != nil {
		return false, &sync.TransportError{ProviderType: a.providerType, Op: op, Err: err}
	}
	ok := resp != nil && resp.HTTPStatusCode == http.StatusOK
	if !ok {
		a.logger.Warn("gmail modify returned non-200", "op", op, "message_id", id)
	}
	return ok, nil
}

// Search runs an arbitrary Gmail query and normalizes one page of results.
func (a *Adapter) Search(ctx context.Context, s sync.Session, query, pageToken string) (*sync.SearchPage, error) {
	sess, err := a.session(s)
	if err != nil {
		return nil, err
	}

	resp, err := sess.api.ListMessages(ctx, query, pageToken, int64(a.caps.MaxBatchSize))
	if err != nil {
		return nil, &sync.TransportError{ProviderType: a.providerType, Op: "search", Err: err}
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	res := a.fetchAll(ctx, sess, ids, a.now(), sync.ProviderLogger(a.logger, a.providerType, sess.account))
	return &sync.SearchPage{Messages: res.messages, NextPageToken: resp.NextPageToken}, nil
}

// FindByMessageID resolves the Gmail id of a message by its Message-ID header.
func (a *Adapter) FindByMessageID(ctx context.Context, s sync.Session, rfcMessageID string) (string, error) {
	sess, err := a.session(s)
	if err != nil {
		return "", err
	}
	if rfcMessageID == "" {
		return "", nil
	}

	resp, err := sess.api.ListMessages(ctx, messageIDQuery(rfcMessageID), "", 1)
	if err != nil {
		return "", &sync.TransportError{ProviderType: a.providerType, Op: "find by message id", Err: err}
	}
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			return m.Id, nil
		}
	}
	return "", nil
}

// TestConnection authenticates and reads the mailbox profile.
func (a *Adapter) TestConnection(ctx context.Context, account sync.Account) sync.ConnectionResult {
	s, err := a.InitializeClient(ctx, account)
	if err != nil {
		return sync.ConnectionResult{Error: err.Error()}
	}
	profile, err := s.(*session).api.GetProfile(ctx)
	if err != nil {
		return sync.ConnectionResult{Error: err.Error()}
	}
	return sync.ConnectionResult{Success: true, Messages: int(profile.MessagesTotal)}
}

type fetchResult struct {
	messages []sync.NormalizedMessage
	skipped  int
	// transient is set when a fetch failed for a reason a retry may fix.
	transient bool
}

func (a *Adapter) fetchAll(ctx context.Context, sess *session, ids []string, now time.Time, logger *slog.Logger) fetchResult {
	results := sync.FetchAll(ctx, ids, sync.Concurrency(a.caps), a.limiter,
		func(ctx context.Context, id string) (sync.NormalizedMessage, error) {
			msg, err := sess.api.GetMessage(ctx, id)
			if err != nil {
				return sync.NormalizedMessage{}, &sync.TransportError{ProviderType: a.providerType, Op: "get message", Err: err}
			}
			return a.normalize(msg, now)
		})

	out := fetchResult{messages: make([]sync.NormalizedMessage, 0, len(results))}
	for _, r := range results {
		if r.Err != nil {
			out.skipped++
			if sync.IsTransportError(r.Err) && !isNotFound(r.Err) {
				out.transient = true
			}
			logger.Warn("skipping message", "message_id", r.ID, "error", r.Err)
			continue
		}
		out.messages = append(out.messages, r.Value)
	}
	return out
}

func (a *Adapter) session(s sync.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("%s: %w", a.providerType, sync.ErrSessionMismatch)
	}
	return sess, nil
}

func isNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func isBadRequest(err error) bool {
	return hasStatus(err, http.StatusBadRequest)
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
