package symbol

import (
	"sort"
	"strings"
)

// Normalize canonicalizes a ticker symbol: trimmed, upper-case, no exchange
// suffix ("AAPL.MC" -> "AAPL").
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if idx := strings.Index(s, "."); idx > 0 {
		s = s[:idx]
	}
	return s
}

// NormalizeList normalizes, deduplicates and sorts a symbol list. Empty
// entries are dropped.
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		sym := Normalize(raw)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Set builds a membership set from a symbol list.
func Set(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym := Normalize(raw)
		if sym == "" {
			continue
		}
		set[sym] = struct{}{}
	}
	return set
}
