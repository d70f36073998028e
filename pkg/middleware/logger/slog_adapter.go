package logger

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogAdapter adapts slog.Logger to Adapter.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new adapter for slog
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (s *SlogAdapter) Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute) {
	slogAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		slogAttrs[i] = slog.Any(attr.Key, attr.Value)
	}
	s.logger.LogAttrs(ctx, logLevelToSlog(level), msg, slogAttrs...)
}

func (s *SlogAdapter) IsLevelEnabled(ctx context.Context, level LogLevel) bool {
	return s.logger.Enabled(ctx, logLevelToSlog(level))
}

// Printf logs the formatted message at info.
func (s *SlogAdapter) Printf(format string, v ...any) {
	s.logger.Info(fmt.Sprintf(format, v...))
}

func logLevelToSlog(level LogLevel) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func slogToLogLevel(level slog.Level) LogLevel {
	switch {
	case level < slog.LevelInfo:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Slog returns a *slog.Logger that writes through backend. Streams take a
// *slog.Logger, so this lets a zerolog backend receive their events.
func Slog(backend Adapter) *slog.Logger {
	return slog.New(&adapterHandler{backend: backend})
}

type adapterHandler struct {
	backend Adapter
	attrs   []Attribute
	group   string
}

func (h *adapterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.backend.IsLevelEnabled(ctx, slogToLogLevel(level))
}

func (h *adapterHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]Attribute, len(h.attrs), len(h.attrs)+r.NumAttrs())
	copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.attr(a))
		return true
	})
	h.backend.Log(ctx, slogToLogLevel(r.Level), r.Message, attrs...)
	return nil
}

func (h *adapterHandler) WithAttrs(as []slog.Attr) slog.Handler {
	next := &adapterHandler{backend: h.backend, group: h.group}
	next.attrs = make([]Attribute, len(h.attrs), len(h.attrs)+len(as))
	copy(next.attrs, h.attrs)
	for _, a := range as {
		next.attrs = append(next.attrs, h.attr(a))
	}
	return next
}

func (h *adapterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &adapterHandler{backend: h.backend, attrs: h.attrs, group: group}
}

func (h *adapterHandler) attr(a slog.Attr) Attribute {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return Attribute{Key: key, Value: a.Value.Resolve().Any()}
}
