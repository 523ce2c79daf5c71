package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New returns a JSON logger at the named level that carries request ids from
// the context. Unknown levels fall back to info.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
