package providers

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// Family groups provider types by how they authenticate and poll
type Family string

const (
	FamilyAPIPolling        Family = "api_polling"
	FamilyConnectionPolling Family = "connection_polling"
)

// Constructor builds a provider instance for one provider type
type Constructor func(providerType string, caps sync.Capabilities) (sync.MailProvider, error)

type registration struct {
	family      Family
	constructor Constructor
}

// ValidationResult collects every problem found with an account, not just the first
type ValidationResult struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	// InboundDisabled marks a relay account with no IMAP settings. It is
	// valid but has nothing to poll.
	InboundDisabled bool `json:"inbound_disabled"`
}

// Factory dispatches provider types to constructors using an injected capability table
type Factory struct {
	table         sync.CapabilityTable
	registrations map[string]registration
	logger        *slog.Logger
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a factory over table with no providers registered.
func NewFactory(table sync.CapabilityTable, opts ...FactoryOption) *Factory {
	f := &Factory{
		table:         table,
		registrations: make(map[string]registration),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register binds providerTypes to a family and constructor.
func (f *Factory) Register(family Family, ctor Constructor, providerTypes ...string) {
	for _, t := range providerTypes {
		f.registrations[sync.NormalizeProviderType(t)] = registration{family: family, constructor: ctor}
	}
}

// GetCapabilities never fails; unknown types get the conservative entry.
func (f *Factory) GetCapabilities(providerType string) sync.Capabilities {
	return f.table.Lookup(providerType)
}

// GetSyncStrategy is a caller hint derived from capabilities and daily volume.
func (f *Factory) GetSyncStrategy(providerType string, messageVolume int) sync.Recommendation {
	return sync.RecommendStrategy(f.GetCapabilities(providerType), messageVolume)
}

// Family reports the family a provider type is registered under.
func (f *Factory) Family(providerType string) (Family, bool) {
	reg, ok := f.registrations[sync.NormalizeProviderType(providerType)]
	return reg.family, ok
}

// CreateProvider builds a provider for providerType without looking at any account.
func (f *Factory) CreateProvider(providerType string) (sync.MailProvider, error) {
	key := sync.NormalizeProviderType(providerType)
	if !f.table.Has(key) {
		return nil, &sync.ConfigurationError{
			ProviderType: key,
			Message:      "provider type is not in the capability table",
			Err:          sync.ErrUnknownProvider,
		}
	}
	reg, ok := f.registrations[key]
	if !ok {
		return nil, &sync.UnsupportedProviderError{ProviderType: key}
	}
	p, err := reg.constructor(key, f.table.Lookup(key))
	if err != nil {
		return nil, fmt.Errorf("constructing %s provider: %w", key, err)
	}
	return p, nil
}

// ValidateProviderConfig checks the account fields the provider family needs.
// It performs no I/O.
func (f *Factory) ValidateProviderConfig(providerType string, account sync.Account) ValidationResult {
	key := sync.NormalizeProviderType(providerType)
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}

	if !f.table.Has(key) {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown provider type %q", providerType))
		return res
	}
	reg, ok := f.registrations[key]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("provider %q is not implemented", key))
		return res
	}

	switch reg.family {
	case FamilyAPIPolling:
		if account.OAuthIdentity == "" && account.Email == "" {
			res.Errors = append(res.Errors, "missing OAuth token reference (oauth_identity or email)")
		}
		if account.Email == "" {
			res.Warnings = append(res.Warnings, "account has no email; sent/received direction may be wrong")
		}
	case FamilyConnectionPolling:
		res.Errors, res.Warnings = validatePolling(key, account, res.Errors, res.Warnings)
		res.InboundDisabled = key != sync.ProviderIMAP && !hasIMAPSettings(account)
	}

	res.Success = len(res.Errors) == 0
	return res
}

func validatePolling(key string, account sync.Account, errs, warns []string) ([]string, []string) {
	cfg := account.IMAPConfig
	if cfg == nil {
		cfg = &sync.IMAPConfig{}
	}
	present := map[string]bool{
		"host":                       cfg.Host != "",
		"port":                       cfg.Port > 0,
		"user":                       cfg.User != "",
		"imap_credentials_encrypted": account.CredentialsEncrypted != "",
	}
	var missing []string
	for _, field := range []string{"host", "port", "user", "imap_credentials_encrypted"} {
		if !present[field] {
			missing = append(missing, field)
		}
	}

	switch {
	case len(missing) == len(present):
		if key == sync.ProviderIMAP {
			errs = append(errs, "IMAP configuration is required (host, port, user, imap_credentials_encrypted)")
		} else {
			warns = append(warns, "no IMAP configuration; inbound sync is disabled for this account")
		}
	case len(missing) > 0:
		errs = append(errs, "incomplete IMAP configuration: missing "+strings.Join(missing, ", "))
	default:
		if account.CredentialsIV == "" {
			errs = append(errs, "incomplete IMAP configuration: missing imap_credentials_iv")
		}
		if !cfg.UseTLS() {
			warns = append(warns, "IMAP connection is not using TLS")
		}
	}
	return errs, warns
}

func hasIMAPSettings(account sync.Account) bool {
	cfg := account.IMAPConfig
	return account.CredentialsEncrypted != "" || (cfg != nil && (cfg.Host != "" || cfg.Port > 0 || cfg.User != ""))
}

// ProviderForAccount validates the account and creates its provider.
func (f *Factory) ProviderForAccount(account sync.Account) (sync.MailProvider, error) {
	res := f.ValidateProviderConfig(account.ProviderType, account)
	if !res.Success {
		if !f.table.Has(account.ProviderType) {
			return nil, &sync.ConfigurationError{
				ProviderType: account.ProviderType,
				Message:      res.Errors[0],
				Err:          sync.ErrUnknownProvider,
			}
		}
		if _, ok := f.registrations[sync.NormalizeProviderType(account.ProviderType)]; !ok {
			return nil, &sync.UnsupportedProviderError{ProviderType: sync.NormalizeProviderType(account.ProviderType)}
		}
		return nil, &sync.ConfigurationError{ProviderType: account.ProviderType, Message: strings.Join(res.Errors, "; ")}
	}
	for _, w := range res.Warnings {
		f.logger.Warn("provider config warning", "provider", account.ProviderType, "account_id", account.ID, "warning", w)
	}
	return f.CreateProvider(account.ProviderType)
}
