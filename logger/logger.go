// Package logger configures the process-wide slog logger from the
// LOG_LEVEL / LOG_FORMAT settings.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing to w with the given level and format.
// Supported formats: "json" (default) and "console". Supported levels:
// "debug", "info" (default), "warn", "error".
func New(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "console", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// Setup builds a logger on stdout and installs it as the slog default.
func Setup(level, format string) *slog.Logger {
	log := New(os.Stdout, level, format)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
