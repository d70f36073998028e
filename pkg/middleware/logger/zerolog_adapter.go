package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologAdapter adapts zerolog.Logger to Adapter.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new adapter for zerolog
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log emits one zerolog event. The context is attached so zerolog hooks
// can read it.
func (z *ZerologAdapter) Log(ctx context.Context, level LogLevel, msg string, attrs ...Attribute) {
	evt := z.logger.WithLevel(logLevelToZerolog(level))
	if evt == nil {
		return
	}
	if ctx != nil {
		evt = evt.Ctx(ctx)
	}
	for _, attr := range attrs {
		if err, ok := attr.Value.(error); ok {
			evt = evt.AnErr(attr.Key, err)
			continue
		}
		evt = evt.Interface(attr.Key, attr.Value)
	}
	evt.Msg(msg)
}

func (z *ZerologAdapter) IsLevelEnabled(_ context.Context, level LogLevel) bool {
	want := logLevelToZerolog(level)
	return want >= z.logger.GetLevel() && want >= zerolog.GlobalLevel()
}

func (z *ZerologAdapter) Printf(format string, v ...any) {
	z.logger.Printf(format, v...)
}

func logLevelToZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
