package sync

import (
	"fmt"
	"log/slog"
	netmail "net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

var angleAddr = regexp.MustCompile(`<([^<>]+)>`)

// ExtractAddress parses "Name <addr>" or a bare address. The address is
// case-folded and trimmed; name is returned as written.
func ExtractAddress(raw string) (address, name string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(strings.TrimSpace(addr.Address)), strings.TrimSpace(addr.Name)
	}
	if m := angleAddr.FindStringSubmatch(raw); m != nil {
		name = strings.Trim(strings.TrimSpace(raw[:strings.Index(raw, "<")]), `"`)
		return strings.ToLower(strings.TrimSpace(m[1])), name
	}
	return strings.ToLower(raw), ""
}

// FirstAddress extracts the first entry of an address list header.
func FirstAddress(raw string) (address, name string) {
	if list, err := mail.ParseAddressList(raw); err == nil && len(list) > 0 {
		return strings.ToLower(strings.TrimSpace(list[0].Address)), strings.TrimSpace(list[0].Name)
	}
	if i := strings.Index(raw, ","); i > 0 && !strings.Contains(raw[:i], "\"") {
		raw = raw[:i]
	}
	return ExtractAddress(raw)
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	WallTimeLayout,
}

// ParseDate is best-effort: on failure it logs and returns now.
func ParseDate(logger *slog.Logger, raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now
	}
	if t, err := netmail.ParseDate(raw); err == nil {
		return t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if logger != nil {
		logger.Warn("unparseable date, using current time", "value", raw)
	}
	return now
}

// InternalID builds the system-wide id of a provider message.
func InternalID(providerType, providerMessageID string) string {
	return fmt.Sprintf("%s_%s", NormalizeProviderType(providerType), providerMessageID)
}

// BatchSize resolves a requested batch size against the capability cap.
func BatchSize(requested int, caps Capabilities) int {
	limit := caps.MaxBatchSize
	if limit <= 0 {
		limit = 10
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// SplitMessageIDs splits a References/In-Reply-To header into ids.
func SplitMessageIDs(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ",")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ProviderLogger returns a logger scoped to a provider and account.
func ProviderLogger(logger *slog.Logger, providerType string, account Account) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("provider", providerType, "account_id", account.ID, "email", account.Email)
}
