package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config-file log_level value onto a slog level.
// Unrecognised values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "alert", "crit", "emerg":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger for a repmgr process.
// facility selects the handler: "json" emits one JSON object per line for
// log aggregators, anything else gets the tinted text handler. When
// logFile is non-empty output is appended there instead of stderr.
func NewLogger(service, level, facility, logFile string) *slog.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err == nil {
			w = f
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(facility, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = tint.NewHandler(w, &tint.Options{Level: ParseLevel(level)})
	}

	return slog.New(handler).With(slog.String("service", service))
}
