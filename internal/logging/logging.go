// Package logging builds the structured loggers used across the relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// NewLogger creates a logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json, auto
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
//
// The "auto" format picks text when w is a terminal and json otherwise, so the
// relay logs readable lines when run by hand and machine-parseable lines when
// run under a supervisor.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch resolveFormat(format, w) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveFormat(format string, w io.Writer) string {
	format = strings.ToLower(format)
	if format != "auto" {
		return format
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared by the relay components.
const (
	KeyComponent = "component"
	KeyClient    = "client"
	KeyUpstream  = "upstream"
	KeyLocalAddr = "local_addr"
	KeyBytes     = "bytes"
	KeyStage     = "stage"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyWorkers   = "workers"
	KeyPending   = "pending"
	KeyState     = "state"
)
