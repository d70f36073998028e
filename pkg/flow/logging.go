package flow

import (
	"context"
	"log/slog"
)

// LogInfo logs an info-level message with context metadata.
//
// Appends trace_id and request_id from context if present, using the
// logger from context. Arguments are only built when info is enabled.
//
// Example:
//
//	flow.LogInfo(ctx, "process spawned", "command", cmd, "pid", pid)
func LogInfo(ctx context.Context, msg string, args ...any) {
	logAt(ctx, slog.LevelInfo, msg, args)
}

// LogDebug logs a debug-level message with context metadata.
func LogDebug(ctx context.Context, msg string, args ...any) {
	logAt(ctx, slog.LevelDebug, msg, args)
}

// LogWarn logs a warning-level message with context metadata.
func LogWarn(ctx context.Context, msg string, args ...any) {
	logAt(ctx, slog.LevelWarn, msg, args)
}

// LogError logs an error-level message with context metadata. A non-nil err
// is added with key "error".
func LogError(ctx context.Context, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err)
	}
	logAt(ctx, slog.LevelError, msg, args)
}

func logAt(ctx context.Context, level slog.Level, msg string, args []any) {
	logger := Logger(ctx)
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.Log(ctx, level, msg, appendContextFields(ctx, args)...)
}

// appendContextFields adds trace_id and request_id to args if present in context.
func appendContextFields(ctx context.Context, args []any) []any {
	if traceID := TraceID(ctx); traceID != "" {
		args = append(args, "trace_id", traceID)
	}
	if requestID := RequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	return args
}

// LogWith returns a logger with pre-attached context fields.
//
// Example:
//
//	log := flow.LogWith(ctx, "component", "iostream")
//	log.Info("starting")
func LogWith(ctx context.Context, args ...any) *slog.Logger {
	return Logger(ctx).With(appendContextFields(ctx, args)...)
}

// LogAttr logs with slog.Attr for structured logging, appending trace_id
// and request_id as attributes.
func LogAttr(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	logger := Logger(ctx)
	if !logger.Enabled(ctx, level) {
		return
	}

	if traceID := TraceID(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if requestID := RequestID(ctx); requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}

	logger.LogAttrs(ctx, level, msg, attrs...)
}

// LogErrorAttr logs error-level with slog.Attr.
func LogErrorAttr(ctx context.Context, msg string, attrs ...slog.Attr) {
	LogAttr(ctx, slog.LevelError, msg, attrs...)
}
