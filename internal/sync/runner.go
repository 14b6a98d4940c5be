package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProviderSource resolves providers and cadence for accounts
type ProviderSource interface {
	ProviderForAccount(account Account) (MailProvider, error)
	GetSyncStrategy(providerType string, messageVolume int) Recommendation
}

// Report summarizes one sync pass
type Report struct {
	AccountID string `json:"account_id"`
	Messages  int    `json:"messages"`
	Skipped   int    `json:"skipped"`
	Cursor    Cursor `json:"-"`
}

// Runner drives sync passes for accounts: it owns cursor persistence and
// event emission, which providers leave to the caller.
type Runner struct {
	Providers ProviderSource
	Store     Store
	Logger    *slog.Logger
	// MinInterval floors the recommended polling interval.
	MinInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// SyncOnce runs one incremental pass for account and commits the results.
func (r *Runner) SyncOnce(ctx context.Context, account Account) (*Report, error) {
	logger := r.logger().With("account_id", account.ID, "provider", account.ProviderType)

	provider, err := r.Providers.ProviderForAccount(account)
	if err != nil {
		return nil, err
	}
	session, err := provider.InitializeClient(ctx, account)
	if err != nil {
		r.recordError(ctx, account, err)
		return nil, err
	}

	cursor, err := r.Store.LoadCursor(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if err := r.Store.UpdateSyncStatus(ctx, account.ID, StatusSyncing, ""); err != nil {
		logger.Warn("failed to record sync status", "error", err)
	}

	rec := r.Providers.GetSyncStrategy(account.ProviderType, account.MessageVolume)
	changes, err := provider.GetIncrementalChanges(ctx, session, cursor, Options{BatchSize: rec.BatchSize})
	if err != nil {
		r.recordError(ctx, account, err)
		return nil, err
	}

	now := r.now()
	events := make([]OutboxEvent, 0, len(changes.Messages))
	for _, msg := range changes.Messages {
		ev, err := NewMessageEvent(account, msg, now)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := r.Store.CommitBatch(ctx, account, changes.Messages, events, changes.Cursor); err != nil {
		r.recordError(ctx, account, err)
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	if err := r.Store.UpdateSyncStatus(ctx, account.ID, StatusIdle, ""); err != nil {
		logger.Warn("failed to record sync status", "error", err)
	}

	logger.Info("sync pass complete", "messages", len(changes.Messages), "skipped", changes.Skipped)
	return &Report{
		AccountID: account.ID,
		Messages:  len(changes.Messages),
		Skipped:   changes.Skipped,
		Cursor:    changes.Cursor,
	}, nil
}

// Run syncs account on the recommended cadence until ctx ends or a fatal
// error occurs. Transport failures are logged and retried next tick.
func (r *Runner) Run(ctx context.Context, account Account) error {
	logger := r.logger().With("account_id", account.ID, "provider", account.ProviderType)
	interval := r.Interval(account)
	logger.Info("sync loop starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.SyncOnce(ctx, account); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				return err
			}
			logger.Error("sync pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("sync loop stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Interval is the polling interval for account.
func (r *Runner) Interval(account Account) time.Duration {
	rec := r.Providers.GetSyncStrategy(account.ProviderType, account.MessageVolume)
	d := time.Duration(rec.IntervalMinutes) * time.Minute
	if d < r.MinInterval {
		d = r.MinInterval
	}
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// SetReadState pushes a read flag to the provider and mirrors it locally.
func (r *Runner) SetReadState(ctx context.Context, account Account, providerMessageID string, read bool) (bool, error) {
	provider, err := r.Providers.ProviderForAccount(account)
	if err != nil {
		return false, err
	}
	op, state := "mark_as_unread", ReadUnread
	if read {
		op, state = "mark_as_read", ReadRead
	}
	if !provider.Capabilities().BidirectionalSync {
		return false, &CapabilityError{ProviderType: provider.Name(), Operation: op}
	}
	session, err := provider.InitializeClient(ctx, account)
	if err != nil {
		return false, err
	}

	var ok bool
	if read {
		ok, err = provider.MarkAsRead(ctx, session, providerMessageID)
	} else {
		ok, err = provider.MarkAsUnread(ctx, session, providerMessageID)
	}
	if err != nil || !ok {
		return ok, err
	}
	if err := r.Store.SetReadState(ctx, account.ID, providerMessageID, state); err != nil {
		r.logger().Warn("failed to mirror read state", "account_id", account.ID, "message_id", providerMessageID, "error", err)
	}
	return true, nil
}

// TestConnection checks account connectivity when its provider supports it.
func (r *Runner) TestConnection(ctx context.Context, account Account) ConnectionResult {
	provider, err := r.Providers.ProviderForAccount(account)
	if err != nil {
		return ConnectionResult{Error: err.Error()}
	}
	tester, ok := provider.(ConnectionTester)
	if !ok {
		return ConnectionResult{Error: fmt.Sprintf("provider %s cannot test connections", provider.Name())}
	}
	return tester.TestConnection(ctx, account)
}

func (r *Runner) recordError(ctx context.Context, account Account, cause error) {
	if err := r.Store.UpdateSyncStatus(ctx, account.ID, StatusError, cause.Error()); err != nil {
		r.logger().Warn("failed to record sync error", "account_id", account.ID, "error", err)
	}
}

// IsFatal reports errors that retrying on the next tick cannot fix.
func IsFatal(err error) bool {
	return IsConfigurationError(err) ||
		IsAuthenticationError(err) ||
		IsDecryptionError(err) ||
		IsUnsupportedProvider(err) ||
		errors.Is(err, ErrUnknownProvider)
}
