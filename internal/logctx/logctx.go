package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}

	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithDownload scopes the context logger to a single download record.
func WithDownload(ctx context.Context, downloadID string) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With("download_id", downloadID))
}

// Detach keeps the logger of ctx but drops its deadline and cancellation.
// Used for work that must outlive the request that started it.
func Detach(ctx context.Context) context.Context {
	return WithLogger(context.Background(), LoggerFromContext(ctx))
}
