package http

import (
	"context"
	"log/slog"

	"github.com/example/presence-engine/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// handlerLogger scopes the request logger, or fallback outside a request, to one handler operation.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handler, operation string, attrs ...any) *slog.Logger {
	scope := make([]any, 0, len(attrs)+4)
	scope = append(scope, "handler", handler)
	if operation != "" {
		scope = append(scope, "operation", operation)
	}
	return logging.Or(ctx, fallback).With(append(scope, attrs...)...)
}
