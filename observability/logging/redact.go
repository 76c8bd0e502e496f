package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys logged verbatim by MaskField.
var plainKeys = map[string]struct{}{
	"reason":    {},
	"component": {},
	"asset":     {},
	"owner":     {},
	"op":        {},
	"listen":    {},
}

// MaskField returns key as a slog attribute, redacting non-empty values for
// keys outside plainKeys.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
