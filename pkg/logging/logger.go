// Copyright 2025 LedgerVault Project
//
// Package logging is the engine's thin layer over log/slog. Components log
// through a Logger carrying their component name; LedgerError values are
// flattened into error_code / error_details attributes so operators can
// filter on the taxonomy. The chain and search engines log through the
// event helpers at the bottom so operation records stay uniform.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	lverrors "github.com/ledgervault/ledgervault/pkg/errors"
)

// Logger wraps a slog.Logger with component context
type Logger struct {
	s *slog.Logger
}

// Options configure a logger. Zero values mean text on stdout at info.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// New creates a logger from options.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: levelFrom(opts.Level)}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return &Logger{s: slog.New(handler)}
}

// Open creates a logger writing to the named destination: "stdout",
// "stderr", or a file path (opened append-only).
func Open(level, format, output string) (*Logger, error) {
	switch output {
	case "stdout", "":
		return New(Options{Level: level, Format: format, Output: os.Stdout}), nil
	case "stderr":
		return New(Options{Level: level, Format: format, Output: os.Stderr}), nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log destination: %w", err)
	}
	return New(Options{Level: level, Format: format, Output: f}), nil
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process default logger (text, info, stdout).
// Components fall back to it when wired without an explicit logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Options{})
	})
	return defaultLogger
}

// WithComponent returns a logger tagged with an engine component name
// (chain, keystore, offchain, ...).
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{s: l.s.With("component", name)}
}

// With returns a logger with extra key-value context, slog-style.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{s: l.s.With(args...)}
}

// WithError returns a logger carrying the error, with LedgerError
// metadata flattened into attributes.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{s: l.s.With(errAttrs(err)...)}
}

func errAttrs(err error) []any {
	args := []any{"error", err.Error()}
	le, ok := lverrors.AsLedgerError(err)
	if !ok {
		return args
	}
	args = append(args, "error_code", string(le.Code))
	if le.Details != "" {
		args = append(args, "error_details", le.Details)
	}
	for k, v := range le.Context {
		args = append(args, "error_ctx_"+k, v)
	}
	return args
}

// Debug logs at debug level with slog-style key-value args
func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }

// Info logs at info level with slog-style key-value args
func (l *Logger) Info(msg string, args ...any) { l.s.Info(msg, args...) }

// Warn logs at warn level with slog-style key-value args
func (l *Logger) Warn(msg string, args ...any) { l.s.Warn(msg, args...) }

// Error logs at error level with slog-style key-value args
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// ============================================================================
// OPERATION EVENTS
// ============================================================================

// Chain records a chain-level operation (append, rollback, export,
// import). Failures log at error level with the flattened error.
func (l *Logger) Chain(op string, blockNumber uint64, duration time.Duration, err error) {
	args := []any{
		"operation", op,
		"block_number", blockNumber,
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		l.s.Error("Chain operation failed", append(args, errAttrs(err)...)...)
		return
	}
	l.s.Info("Chain operation", args...)
}

// SearchQuery records a search and its outcome. The term itself is never
// logged; only its length.
func (l *Logger) SearchQuery(level string, termLen, results int, duration time.Duration) {
	l.s.Info("Search query",
		"search_level", level,
		"term_length", termLen,
		"results", results,
		"duration_ms", duration.Milliseconds())
}

// KeyEvent records a keystore mutation at the given level. Key material
// never appears here, only fingerprints.
func (l *Logger) KeyEvent(level slog.Level, event, fingerprint string, args ...any) {
	all := append([]any{"event", event, "fingerprint", fingerprint}, args...)
	l.s.Log(context.Background(), level, "Key event", all...)
}

func levelFrom(s string) slog.Level {
	switch s {
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
