// Package logger provides leveled logging backends and pass-through flow
// handlers that log what moves between stages.
//
// A Logger wraps an Adapter (standard log, slog or zerolog). Level methods
// return a HandlerBuilder whose handlers observe a stream without changing
// it:
//
//	log := logger.New(logger.NewZerologAdapter(zl))
//	f := flow.New().
//		Use(log.Debug().Head("stdin", 64)).
//		Use(log.Info().Timing("jq", iostream.Handler("jq", []string{"."}))).
//		Use(log.Debug().HeadTail("stdout", 32, 32))
package logger

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// LogLevel represents logging levels (Debug < Info < Warn < Error)
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the lowercase level name.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "level(" + fmt.Sprint(int(l)) + ")"
	}
}

// ParseLevel maps a level name to a LogLevel. Unknown names are an error.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Attribute represents a structured logging attribute for key-value pairs
type Attribute struct {
	Key   string
	Value any
}

// Attr creates an Attribute
func Attr(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// Adapter is a logging backend.
type Adapter interface {
	Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute)
	IsLevelEnabled(ctx context.Context, level LogLevel) bool
	Printf(format string, v ...any)
}

// Logger wraps an Adapter and builds logging handlers.
type Logger struct {
	backend Adapter
}

// New creates a Logger with a custom backend (zerolog, slog, etc.)
func New(backend Adapter) *Logger {
	return &Logger{backend: backend}
}

// Default creates a Logger using the standard library log package (no levels).
func Default() *Logger {
	return New(NewStandardAdapter(log.Default()))
}

// Backend returns the adapter behind l.
func (l *Logger) Backend() Adapter { return l.backend }

func (l *Logger) Debug() *HandlerBuilder { return l.at(DebugLevel) }
func (l *Logger) Info() *HandlerBuilder  { return l.at(InfoLevel) }
func (l *Logger) Warn() *HandlerBuilder  { return l.at(WarnLevel) }
func (l *Logger) Error() *HandlerBuilder { return l.at(ErrorLevel) }

// Print provides level-agnostic logging
func (l *Logger) Print() *HandlerBuilder {
	return &HandlerBuilder{printer: &SimplePrinter{backend: l.backend}}
}

func (l *Logger) at(level LogLevel) *HandlerBuilder {
	return &HandlerBuilder{printer: &LeveledPrinter{backend: l.backend, level: level}}
}

// StderrLines returns a callback for iostream.WithStderrLine that logs each
// stderr line of command at level.
func (l *Logger) StderrLines(ctx context.Context, level LogLevel, command string) func(string) {
	if ctx == nil {
		ctx = context.Background()
	}
	return func(line string) {
		if l.backend.IsLevelEnabled(ctx, level) {
			l.backend.Log(ctx, level, "stderr", Attr("command", command), Attr("line", line))
		}
	}
}

// HandlerBuilder provides the logging handlers (Head, Chunks, Timing, etc.)
type HandlerBuilder struct {
	printer Printer
	ctx     context.Context // overrides the request context when set
}

// WithContext returns a new HandlerBuilder that logs with ctx instead of the
// request context.
func (hb *HandlerBuilder) WithContext(ctx context.Context) *HandlerBuilder {
	return &HandlerBuilder{printer: hb.printer, ctx: ctx}
}

// Printer abstracts leveled and simple printing.
type Printer interface {
	Print(ctx context.Context, msg string, attrs ...Attribute)
}

// SimplePrinter uses Printf: no levels, "msg k=v k=v".
type SimplePrinter struct {
	backend Adapter
}

func (sp *SimplePrinter) Print(_ context.Context, msg string, attrs ...Attribute) {
	sp.backend.Printf("%s", msg+formatAttrs(attrs))
}

// LeveledPrinter logs through Log when the level is enabled.
type LeveledPrinter struct {
	backend Adapter
	level   LogLevel
}

func (lp *LeveledPrinter) Print(ctx context.Context, msg string, attrs ...Attribute) {
	if lp.backend.IsLevelEnabled(ctx, lp.level) {
		lp.backend.Log(ctx, lp.level, msg, attrs...)
	}
}

func formatAttrs(attrs []Attribute) string {
	var b strings.Builder
	for _, attr := range attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	return b.String()
}
