package providers

import (
	"log/slog"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/credential"
	"github.com/Martian-dev/inbox-sync/internal/providers/gmail"
	"github.com/Martian-dev/inbox-sync/internal/providers/imap"
	"github.com/Martian-dev/inbox-sync/internal/providers/outlook"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// Deps are the collaborators the built-in provider families need
type Deps struct {
	Broker  auth.TokenBroker
	Keys    credential.KeyProvider
	Fetcher imap.Fetcher
	Logger  *slog.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewDefaultFactory registers every built-in family against table.
// Relay types (smtp, mailgun, sendgrid) poll through the IMAP family.
func NewDefaultFactory(table sync.CapabilityTable, deps Deps) *Factory {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	f := NewFactory(table, WithLogger(logger))
	f.Register(FamilyAPIPolling, func(t string, caps sync.Capabilities) (sync.MailProvider, error) {
		return gmail.New(t, caps, deps.Broker, gmail.WithLogger(logger), gmail.WithClock(now)), nil
	}, sync.ProviderGmail)
	f.Register(FamilyAPIPolling, func(t string, caps sync.Capabilities) (sync.MailProvider, error) {
		return outlook.New(t, caps, deps.Broker, outlook.WithLogger(logger), outlook.WithClock(now)), nil
	}, sync.ProviderMicrosoft, sync.ProviderOutlook)
	f.Register(FamilyConnectionPolling, func(t string, caps sync.Capabilities) (sync.MailProvider, error) {
		return imap.New(t, caps, deps.Keys, deps.Fetcher, imap.WithLogger(logger), imap.WithClock(now)), nil
	}, sync.ProviderIMAP, sync.ProviderSMTP, sync.ProviderMailgun, sync.ProviderSendgrid)
	return f
}
