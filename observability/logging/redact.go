package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged so a missing secret stays visible.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Secret returns an attr that reports whether a secret is configured without
// emitting it.
func Secret(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
