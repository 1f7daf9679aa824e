// Package meshlog provides structured logging for the mesh core's hosts.
package meshlog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger with the specified level and format.
// Supported levels: debug, info, warn, error. Supported formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a structured logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

// NopLogger discards all output; useful for tests and library embedding.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys, one per core protocol concept.
const (
	KeyHashname   = "hashname"
	KeyLineID     = "line_id"
	KeyChannelID  = "channel_id"
	KeyCSID       = "csid"
	KeyFrameKind  = "frame_kind"
	KeyFrameIdx   = "frame_index"
	KeyErrorKind  = "error_kind"
	KeyError      = "error"
	KeyOp         = "op"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
)
