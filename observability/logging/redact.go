package logging

import (
	"log/slog"
	"strings"
)

// Redacted is emitted in place of any peer-identifying value once the field
// has been masked.
const Redacted = "[REDACTED]"

// exemptFields never get masked: they carry no peer-identifying material.
var exemptFields = map[string]struct{}{
	"component": {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"state":     {},
	"direction": {},
}

func exempt(key string) bool {
	_, ok := exemptFields[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a string slog.Attr whose value is redacted unless the
// key is exempt. Networking code uses this for peer addresses and peer IDs
// so production logs never leak dialable endpoints or node identities at
// default verbosity.
func MaskField(key, value string) slog.Attr {
	if value == "" || exempt(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}
