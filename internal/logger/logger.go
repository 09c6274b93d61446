package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured logging using slog
var Logger *slog.Logger

// level is shared by every component logger, so SetLevel also applies to
// loggers created before the call.
var level = new(slog.LevelVar)

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	Logger = slog.New(handler)
}

// NewLogger creates a new logger with the given name
func NewLogger(name string) *slog.Logger {
	return Logger.With("component", name)
}

// SetLevel sets the logging level
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a config value such as "debug" or "WARN" to a slog level.
// Unknown values fall back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
