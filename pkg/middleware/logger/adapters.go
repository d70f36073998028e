package logger

import (
	"context"
	"log"
)

// StandardAdapter adapts the standard library log package.
type StandardAdapter struct {
	logger *log.Logger
}

// NewStandardAdapter creates a new adapter for the standard log package
func NewStandardAdapter(logger *log.Logger) *StandardAdapter {
	return &StandardAdapter{logger: logger}
}

// Log prints "[LEVEL] msg k=v". Context is ignored.
func (s *StandardAdapter) Log(_ context.Context, level LogLevel, msg string, attrs ...Attribute) {
	s.logger.Printf("[%s] %s%s", upper(level), msg, formatAttrs(attrs))
}

// IsLevelEnabled always returns true: standard log has no levels.
func (s *StandardAdapter) IsLevelEnabled(context.Context, LogLevel) bool {
	return true
}

func (s *StandardAdapter) Printf(format string, v ...any) {
	s.logger.Printf(format, v...)
}

func upper(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}
