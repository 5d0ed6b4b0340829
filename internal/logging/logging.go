// Package logging wires a structured slog.Logger through context.Context,
// the convention every manager package in this module assumes.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

// New builds the process-wide logger: JSON lines on stdout at info level.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// AddToContext attaches a logger to ctx for downstream retrieval.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger attached to ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
