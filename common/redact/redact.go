// Package redact strips secret-like values from structured data before it
// leaves the process boundary.
//
// # Threat model
//
// Credentials (worker API tokens, issue-tracker tokens, etc.) must never
// appear in:
//   - Log lines emitted by Lattice
//   - Audit entries stored in SQLite or published on the audit topic
//   - Messages relayed to external dashboards
//
// Redaction is best-effort: it matches on key names and relies on callers to
// route every outbound payload through it. It is NOT a substitute for keeping
// secrets out of call-sites in the first place.
package redact

import "strings"

// Placeholder is the sentinel that replaces redacted values.
const Placeholder = "[REDACTED]"

// sensitiveKeys is the fixed set of key names whose values are replaced.
// Matching is case-insensitive and exact per key.
var sensitiveKeys = map[string]struct{}{
	"token":        {},
	"password":     {},
	"secret":       {},
	"key":          {},
	"api_key":      {},
	"access_token": {},
}

// String replaces every occurrence of each sensitive value in s with the
// placeholder. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Map returns a deep copy of m with values replaced by the placeholder for
// every key in the sensitive set. Nested maps are sanitized recursively so
// secrets buried in structured arguments do not escape. Applying Map to an
// already-sanitized map yields the same result.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		switch inner := v.(type) {
		case map[string]any:
			out[k] = Map(inner)
		default:
			out[k] = v
		}
	}
	return out
}

// IsSensitiveKey reports whether the key name belongs to the redaction set.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}
