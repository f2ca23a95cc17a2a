package lease

import (
	"maps"
	"strings"
)

var sensitiveFields = []string{"password", "secret", "token", "private_key", "api_key", "key"}

// Sensitive reports whether a payload field name holds secret material.
func Sensitive(field string) bool {
	f := strings.ToLower(field)
	for _, s := range sensitiveFields {
		if f == s || strings.HasSuffix(f, "_"+s) || strings.HasPrefix(f, s+"_") {
			return true
		}
	}
	return false
}

// Mask hides all but the last four characters of v.
func Mask(v string) string {
	r := []rune(v)
	if len(r) <= 4 {
		return "***"
	}
	return "***" + string(r[len(r)-4:])
}

// Redact returns a copy of payload with sensitive fields masked.
func Redact(payload map[string]string) map[string]string {
	out := maps.Clone(payload)
	for k, v := range out {
		if Sensitive(k) {
			out[k] = Mask(v)
		}
	}
	return out
}
