package logger

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger on top of github.com/rs/zerolog.
//
// Child loggers created by With share the level of their parent.
type ZerologLogger struct {
	logger zerolog.Logger
	level  *atomic.Int32
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerolog creates a zerolog based logger writing to w, or to stdout if w is nil.
//
// The output is JSON, or zerolog's console format when the ENV environment variable is "development".
func NewZerolog(w io.Writer, level LogLevel) Logger {
	if w == nil {
		w = os.Stdout
	}

	if os.Getenv("ENV") == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}

	inst := &ZerologLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		level:  &atomic.Int32{},
	}
	inst.level.Store(int32(level))

	return inst
}

func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.log(DebugLevel, msg, keysAndValues)
}

func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.log(InfoLevel, msg, keysAndValues)
}

func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.log(WarnLevel, msg, keysAndValues)
}

func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.log(ErrorLevel, msg, keysAndValues)
}

func (l *ZerologLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(FatalLevel, msg, keysAndValues)
	os.Exit(1)
}

func (l *ZerologLogger) With(keyValues ...any) Logger {
	return &ZerologLogger{
		logger: l.logger.With().Fields(keyValues).Logger(),
		level:  l.level,
	}
}

func (l *ZerologLogger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

func (l *ZerologLogger) log(level LogLevel, msg string, keysAndValues []any) {
	if level < l.Level() {
		return
	}

	ev := l.logger.WithLevel(toZerologLevel(level))
	if len(keysAndValues) > 0 {
		ev = ev.Fields(keysAndValues)
	}
	ev.Msg(msg)
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}
