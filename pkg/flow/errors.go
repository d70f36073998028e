package flow

import (
	"context"
	"fmt"
	"log/slog"
)

// Error is a context-aware error that carries metadata for logging and tracing.
//
// It supports errors.Is, errors.As and errors.Unwrap. Metadata includes
// the trace ID and request ID of the context it was created in, plus
// arbitrary tags as slog.Attr.
//
// Example:
//
//	return flow.WrapErr(ctx, err, "stage failed").
//		Tag(slog.String("stage", name)).
//		Tag(slog.Int("index", i))
type Error struct {
	msg       string
	cause     error
	traceID   string
	requestID string
	attrs     []slog.Attr
}

// WrapErr wraps an existing error with context metadata.
func WrapErr(ctx context.Context, err error, msg string) *Error {
	return &Error{
		msg:       msg,
		cause:     err,
		traceID:   TraceID(ctx),
		requestID: RequestID(ctx),
	}
}

// NewErr creates a new error with context metadata (no underlying cause).
func NewErr(ctx context.Context, msg string) *Error {
	return WrapErr(ctx, nil, msg)
}

// Tag adds a slog.Attr to the error and returns it for chaining.
func (e *Error) Tag(attr slog.Attr) *Error {
	e.attrs = append(e.attrs, attr)
	return e
}

// Tags adds multiple slog.Attr to the error.
func (e *Error) Tags(attrs ...slog.Attr) *Error {
	e.attrs = append(e.attrs, attrs...)
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// TraceID returns the trace ID associated with this error.
func (e *Error) TraceID() string {
	return e.traceID
}

// RequestID returns the request ID associated with this error.
func (e *Error) RequestID() string {
	return e.requestID
}

// Attrs returns the slog attributes associated with this error.
func (e *Error) Attrs() []slog.Attr {
	return e.attrs
}

// Message returns the error message without the cause.
func (e *Error) Message() string {
	return e.msg
}

// LogAttrs returns all attributes including error, trace_id and request_id.
func (e *Error) LogAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(e.attrs)+3)
	if e.cause != nil {
		attrs = append(attrs, slog.Any("error", e.cause))
	}
	if e.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.traceID))
	}
	if e.requestID != "" {
		attrs = append(attrs, slog.String("request_id", e.requestID))
	}
	return append(attrs, e.attrs...)
}

// Log logs this error at error level with all metadata, using the logger
// from ctx.
func (e *Error) Log(ctx context.Context) {
	logger := Logger(ctx)
	if logger.Enabled(ctx, slog.LevelError) {
		logger.LogAttrs(ctx, slog.LevelError, e.msg, e.LogAttrs()...)
	}
}

// Is reports whether target is an *Error with the same message.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.msg == t.msg
	}
	return false
}
