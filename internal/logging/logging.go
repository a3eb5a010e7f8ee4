// Package logging builds the slog loggers shared by the panel components.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys used across components.
const (
	KeyHost      = "host"
	KeyPath      = "path"
	KeyMethod    = "method"
	KeyStatus    = "status"
	KeyMAC       = "mac"
	KeyRunID     = "run_id"
	KeyTimeout   = "timeout"
	KeyError     = "error"
	KeyComponent = "component"
	KeyDuration  = "duration"
	KeyCount     = "count"
	KeyOp        = "op"
)

// ParseLevel maps debug, info, warn (or warning) and error to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// NewLogger writes to stderr. See NewLoggerWithWriter.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a text or json logger. An unknown level
// logs at info.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// replaceAttr prints timeouts and latencies as "1.6s" in both formats.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		a.Value = slog.StringValue(a.Value.Duration().String())
	}
	return a
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForComponent returns a child logger tagged with the component name.
// A nil logger yields a discarding logger so constructors can accept nil.
func ForComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger.With(KeyComponent, component)
}

// ForRun tags logger with a discovery or aggregation run id.
func ForRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(KeyRunID, runID)
}
