package logging

import "log/slog"

// PeerLogger is a small per-connection child logger: every call site gets
// the peer's address and direction attached without having to repeat
// MaskField plumbing at each log statement.
type PeerLogger struct {
	*slog.Logger
}

// ForPeer derives a PeerLogger from a component logger.
func ForPeer(base *slog.Logger, address, direction string) *PeerLogger {
	return &PeerLogger{Logger: base.With(MaskField("address", address), slog.String("direction", direction))}
}
