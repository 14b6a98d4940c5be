package sync

import (
	"sort"
	"strings"
)

// Strategy names how a provider finds changes since the last sync
type Strategy string

const (
	StrategyHistory   Strategy = "history"
	StrategyDelta     Strategy = "delta"
	StrategyTimestamp Strategy = "timestamp"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyHistory, StrategyDelta, StrategyTimestamp:
		return true
	}
	return false
}

// Provider type keys. Other subsystems depend on these strings.
const (
	ProviderGmail     = "gmail"
	ProviderMicrosoft = "microsoft"
	ProviderOutlook   = "outlook"
	ProviderSMTP      = "smtp"
	ProviderMailgun   = "mailgun"
	ProviderSendgrid  = "sendgrid"
	ProviderIMAP      = "imap"
)

// ConservativeProvider is the entry used for unknown provider types.
const ConservativeProvider = ProviderSMTP

// Capabilities declares what a provider type can do and at what scale
type Capabilities struct {
	BidirectionalSync       bool     `json:"bidirectional_sync" mapstructure:"bidirectional_sync"`
	RealTimeUpdates         bool     `json:"real_time_updates" mapstructure:"real_time_updates"`
	IncrementalSyncStrategy Strategy `json:"incremental_sync_strategy" mapstructure:"incremental_sync_strategy"`
	MaxBatchSize            int      `json:"max_batch_size" mapstructure:"max_batch_size"`
	SupportsReadStatus      bool     `json:"supports_read_status" mapstructure:"supports_read_status"`
	SupportsLabels          bool     `json:"supports_labels" mapstructure:"supports_labels"`
	RateLimitPerMinute      int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// CapabilityTable maps provider type to capabilities. It is treated as
// immutable once built; there is no runtime mutation API.
type CapabilityTable map[string]Capabilities

// DefaultCapabilities returns the deploy-time capability table.
func DefaultCapabilities() CapabilityTable {
	relay := Capabilities{
		IncrementalSyncStrategy: StrategyTimestamp,
		MaxBatchSize:            50,
		RateLimitPerMinute:      100,
	}
	return CapabilityTable{
		ProviderGmail: {
			BidirectionalSync:       true,
			RealTimeUpdates:         true,
			IncrementalSyncStrategy: StrategyHistory,
			MaxBatchSize:            100,
			SupportsReadStatus:      true,
			SupportsLabels:          true,
			RateLimitPerMinute:      250,
		},
		ProviderMicrosoft: {
			BidirectionalSync:       true,
			RealTimeUpdates:         true,
			IncrementalSyncStrategy: StrategyDelta,
			MaxBatchSize:            100,
			SupportsReadStatus:      true,
			RateLimitPerMinute:      600,
		},
		ProviderOutlook: {
			BidirectionalSync:       true,
			RealTimeUpdates:         true,
			IncrementalSyncStrategy: StrategyDelta,
			MaxBatchSize:            100,
			SupportsReadStatus:      true,
			RateLimitPerMinute:      600,
		},
		ProviderSMTP: {
			IncrementalSyncStrategy: StrategyTimestamp,
			MaxBatchSize:            10,
			RateLimitPerMinute:      60,
		},
		ProviderMailgun:  relay,
		ProviderSendgrid: relay,
		ProviderIMAP: {
			IncrementalSyncStrategy: StrategyTimestamp,
			MaxBatchSize:            50,
			RateLimitPerMinute:      60,
		},
	}
}

// NormalizeProviderType folds a provider type string to its table key form.
func NormalizeProviderType(providerType string) string {
	return strings.ToLower(strings.TrimSpace(providerType))
}

// Has reports whether providerType has its own entry.
func (t CapabilityTable) Has(providerType string) bool {
	_, ok := t[NormalizeProviderType(providerType)]
	return ok
}

// Lookup never fails: unknown types get the conservative entry.
func (t CapabilityTable) Lookup(providerType string) Capabilities {
	if caps, ok := t[NormalizeProviderType(providerType)]; ok {
		return caps
	}
	return t[ConservativeProvider]
}

// Types returns the table keys in sorted order.
func (t CapabilityTable) Types() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
