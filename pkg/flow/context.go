package flow

import (
	"context"
	"log/slog"
)

type ctxKey string

const (
	loggerKey    ctxKey = "flow.logger"
	traceIDKey   ctxKey = "flow.trace_id"
	requestIDKey ctxKey = "flow.request_id"
)

// WithLogger stores a slog.Logger in the context.
//
// The logger will be used by LogInfo, LogDebug, LogWarn, LogError functions
// and by stages that log on their own (iostream handlers, middleware).
// If no logger is set, slog.Default() is used.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the slog.Logger from context, or slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID retrieves the trace ID from context, or "".
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID stores a request ID in the context.
//
// Run attaches one automatically when the context has none.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the request ID from context, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
