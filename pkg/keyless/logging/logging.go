// Package logging provides the structured logging abstraction used
// throughout keyless-go. It wraps log/slog behind a small interface so
// callers (and tests) can supply alternate implementations without coupling
// the rest of the package tree to a concrete logger.
package logging

import (
	"context"
	"log/slog"
)

const redactedPlaceholder = "[redacted]"

// Logger defines the subset of slog functionality the server uses. Keeping
// the surface small means applications embedding this package can swap in
// their own implementation (e.g. to route logs to syslog) without pulling in
// slog at all.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// New returns a Logger backed by the provided slog.Logger. Passing nil binds
// to slog.Default().
func New(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger}
}

// Silent returns a Logger that discards everything below Error, used when
// the server is started with --silent.
func Silent(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger, silent: true}
}

type slogLogger struct {
	logger *slog.Logger
	silent bool
}

func (l *slogLogger) Debug(ctx context.Context, msg string, args ...any) {
	if l.silent {
		return
	}
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.silent {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.silent {
		return
	}
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...), silent: l.silent}
}

// Redacted marks an attribute that would otherwise carry sensitive
// information (a key digest, a raw payload). Callers must never log the raw
// value; this attribute exists as a deliberate reminder that it was removed.
func Redacted(key string) slog.Attr {
	return slog.String(key, redactedPlaceholder)
}

// Placeholder returns the canonical string substituted for a redacted value.
func Placeholder() string {
	return redactedPlaceholder
}
