package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// AccountsFile is the YAML document listing mailboxes to sync
type AccountsFile struct {
	Accounts []sync.Account `mapstructure:"accounts" yaml:"accounts"`
	// Capabilities holds the overridden table entries, each already merged
	// field by field onto its built-in default.
	Capabilities map[string]sync.Capabilities `mapstructure:"-" yaml:"capabilities"`
}

// LoadAccounts reads path with viper. A missing file yields no accounts.
func LoadAccounts(path string) (*AccountsFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	out := &AccountsFile{}
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &pathErr) || errors.As(err, &notFound) {
			return out, nil
		}
		return nil, fmt.Errorf("reading accounts %s: %w", path, err)
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("parsing accounts %s: %w", path, err)
	}

	seen := make(map[string]bool, len(out.Accounts))
	for i, acc := range out.Accounts {
		if acc.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[acc.ID] {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
		out.Accounts[i].ProviderType = sync.NormalizeProviderType(acc.ProviderType)
	}

	caps, err := loadCapabilities(v)
	if err != nil {
		return nil, fmt.Errorf("parsing accounts %s: %w", path, err)
	}
	out.Capabilities = caps
	return out, nil
}

// loadCapabilities decodes each override on top of the default entry for
// its provider type, so fields left out of the file keep their defaults.
func loadCapabilities(v *viper.Viper) (map[string]sync.Capabilities, error) {
	raw := v.GetStringMap("capabilities")
	if len(raw) == 0 {
		return nil, nil
	}
	defaults := sync.DefaultCapabilities()
	out := make(map[string]sync.Capabilities, len(raw))
	for name := range raw {
		key := sync.NormalizeProviderType(name)
		entry := defaults.Lookup(key)
		if err := v.UnmarshalKey("capabilities."+name, &entry); err != nil {
			return nil, fmt.Errorf("capabilities.%s: %w", key, err)
		}
		if err := validateCapabilities(entry); err != nil {
			return nil, fmt.Errorf("capabilities.%s: %w", key, err)
		}
		out[key] = entry
	}
	return out, nil
}

func validateCapabilities(c sync.Capabilities) error {
	switch {
	case !c.IncrementalSyncStrategy.Valid():
		return fmt.Errorf("unknown incremental_sync_strategy %q", c.IncrementalSyncStrategy)
	case c.MaxBatchSize < 1:
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	case c.RateLimitPerMinute < 0:
		return fmt.Errorf("rate_limit_per_minute must not be negative, got %d", c.RateLimitPerMinute)
	}
	return nil
}

// CapabilityTable returns the defaults with the file's entries swapped in.
func (f *AccountsFile) CapabilityTable() sync.CapabilityTable {
	table := sync.DefaultCapabilities()
	for name, caps := range f.Capabilities {
		table[sync.NormalizeProviderType(name)] = caps
	}
	return table
}
