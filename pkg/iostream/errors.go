package iostream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calque-ai/iostream/pkg/flow"
)

// Kind classifies a stream failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSpawn: the process could not be created.
	KindSpawn
	// KindSinkUnwritable: the process's stdin no longer accepts data.
	KindSinkUnwritable
	// KindSourceUnreadable: reading the process's stdout failed.
	KindSourceUnreadable
	// KindExitSignaled: the process was killed by a signal.
	KindExitSignaled
	// KindExitNonzero: the process exited with a nonzero status.
	KindExitNonzero
	// KindStderrFailure: the process failed and wrote diagnostics to stderr.
	KindStderrFailure
	// KindCanceled: the stream was closed before it completed.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindSinkUnwritable:
		return "sink_unwritable"
	case KindSourceUnreadable:
		return "source_unreadable"
	case KindExitSignaled:
		return "exit_signaled"
	case KindExitNonzero:
		return "exit_nonzero"
	case KindStderrFailure:
		return "stderr_failure"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrSpawn            = &Error{kind: KindSpawn, msg: "process could not be spawned"}
	ErrSinkUnwritable   = &Error{kind: KindSinkUnwritable, msg: "process stdin is not writable"}
	ErrSourceUnreadable = &Error{kind: KindSourceUnreadable, msg: "process stdout is not readable"}
	ErrExitSignaled     = &Error{kind: KindExitSignaled, msg: "process was killed by a signal"}
	ErrExitNonzero      = &Error{kind: KindExitNonzero, msg: "process exited with a nonzero status"}
	ErrStderrFailure    = &Error{kind: KindStderrFailure, msg: "process failed with stderr output"}
	ErrCanceled         = &Error{kind: KindCanceled, msg: "stream canceled"}
)

// Error is a stream failure. It carries the session and request metadata of
// the stream that produced it, in the manner of flow.Error.
//
// A KindStderrFailure error also matches the sentinel of the exit it
// enriches, so errors.Is(err, ErrExitNonzero) holds for a nonzero exit
// whether or not stderr was captured.
type Error struct {
	kind     Kind
	exitKind Kind
	msg      string
	cause    error

	session   string
	traceID   string
	requestID string
	attrs     []slog.Attr
}

func newError(ctx context.Context, kind Kind, msg string, cause error) *Error {
	return &Error{
		kind:      kind,
		msg:       msg,
		cause:     cause,
		traceID:   flow.TraceID(ctx),
		requestID: flow.RequestID(ctx),
	}
}

// Kind returns the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Session returns the ID of the stream that failed.
func (e *Error) Session() string {
	return e.session
}

// TraceID returns the trace ID of the stream's context.
func (e *Error) TraceID() string {
	return e.traceID
}

// RequestID returns the request ID of the stream's context.
func (e *Error) RequestID() string {
	return e.requestID
}

// Tag adds a slog.Attr to the error and returns it for chaining.
func (e *Error) Tag(attr slog.Attr) *Error {
	e.attrs = append(e.attrs, attr)
	return e
}

// LogAttrs returns every attribute worth logging with the error.
func (e *Error) LogAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(e.attrs)+5)
	attrs = append(attrs, slog.String("kind", e.kind.String()))
	if e.cause != nil {
		attrs = append(attrs, slog.Any("error", e.cause))
	}
	if e.session != "" {
		attrs = append(attrs, slog.String("session", e.session))
	}
	if e.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.traceID))
	}
	if e.requestID != "" {
		attrs = append(attrs, slog.String("request_id", e.requestID))
	}
	return append(attrs, e.attrs...)
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

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind || (e.exitKind != KindUnknown && t.kind == e.exitKind)
}
