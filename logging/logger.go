// Package logging provides consistent structured logging using slog.
//
// All processes in the deployment log one line per record in the same shape:
//
//	2026-08-31T03:15:09Z [rekap] INFO Claimed job job=abc123 clinic=xyz
//
// Initialize once at startup with logging.Init("rekap") and use slog directly
// everywhere else.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LineHandler implements slog.Handler with the single-line format above.
type LineHandler struct {
	source string
	level  slog.Level
	writer io.Writer
	attrs  []slog.Attr
}

// NewHandler creates a handler writing to w at the given level.
func NewHandler(source string, w io.Writer, level slog.Level) *LineHandler {
	return &LineHandler{
		source: source,
		writer: w,
		level:  level,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes the log record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05Z"))
	buf.WriteString(" [")
	buf.WriteString(h.source)
	buf.WriteString("] ")
	buf.WriteString(r.Level.String())
	buf.WriteString(" ")
	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		fmt.Fprintf(&buf, "%v", a.Value.Any())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteString("\n")
	_, err := io.WriteString(h.writer, buf.String())
	return err
}

// WithAttrs returns a new handler with the given attributes pre-bound.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LineHandler{
		source: h.source,
		writer: h.writer,
		level:  h.level,
		attrs:  merged,
	}
}

// WithGroup returns the handler unchanged; the flat key=value format has no
// group nesting.
func (h *LineHandler) WithGroup(string) slog.Handler { return h }

// NewLogger creates a logger with the level taken from LOG_LEVEL.
func NewLogger(source string, w io.Writer) *slog.Logger {
	return NewLoggerWithLevel(source, w, levelFromEnv())
}

// NewLoggerWithLevel creates a logger at an explicit level.
func NewLoggerWithLevel(source string, w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(source, w, level))
}

// levelFromEnv reads LOG_LEVEL, defaulting to INFO.
func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default slog logger with the given source tag.
func Init(source string) {
	InitWithWriter(source, os.Stdout)
}

// InitWithWriter installs the default logger with a custom writer (tests).
func InitWithWriter(source string, w io.Writer) {
	slog.SetDefault(NewLogger(source, w))
}
