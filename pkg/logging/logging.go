// Package logging builds the structured loggers used by sessions and the
// expectrun command. Output is discarded unless debugging is enabled.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvDebug enables debug logging on stderr when set to true or 1.
const EnvDebug = "EXPECTPTY_DEBUG"

// Log levels accepted by New.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// New returns a text logger writing to w at the given level.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// FromEnv returns a debug logger on stderr when EXPECTPTY_DEBUG is set,
// and a discarding logger otherwise.
func FromEnv() *slog.Logger {
	if DebugEnabled() {
		return New(os.Stderr, LevelDebug)
	}
	return Discard()
}

// DebugEnabled reports whether EXPECTPTY_DEBUG asks for debug output.
func DebugEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvDebug)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// parseLevel converts a level name to slog.Level, defaulting to INFO.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
