package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/phsym/console-slog"
)

// SlogLogger implements Logger on top of log/slog.
//
// Child loggers created by With share the level variable of their parent.
type SlogLogger struct {
	handler slog.Handler
	level   *slog.LevelVar
}

var _ Logger = (*SlogLogger)(nil)

// NewSlog creates a slog based logger writing to stdout.
//
// The output is JSON with the time key renamed to "ts", or human readable console output when the
// ENV environment variable is "development".
func NewSlog(level LogLevel, addSource bool) Logger {
	return NewSlogWithWriter(os.Stdout, level, addSource)
}

// NewSlogWithWriter creates a slog based logger writing to w.
func NewSlogWithWriter(w io.Writer, level LogLevel, addSource bool) Logger {
	lv := &slog.LevelVar{}
	lv.Set(toSlogLevel(level))

	if os.Getenv("ENV") == "development" {
		return &SlogLogger{
			handler: console.NewHandler(w, &console.HandlerOptions{AddSource: true, Level: lv}),
			level:   lv,
		}
	}

	return &SlogLogger{
		handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource:   addSource,
			Level:       lv,
			ReplaceAttr: renameTime,
		}),
		level: lv,
	}
}

func renameTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "ts"
	}

	return a
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.emit(slog.LevelDebug, msg, keysAndValues)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.emit(slog.LevelInfo, msg, keysAndValues)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.emit(slog.LevelWarn, msg, keysAndValues)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.emit(slog.LevelError, msg, keysAndValues)
}

// Fatal logs at error severity, slog has no fatal level, and exits.
func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.emit(slog.LevelError, msg, keysAndValues)
	os.Exit(1)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	// let slog turn loose key/value pairs into attrs
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "", 0)
	r.Add(keyValues...)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	return &SlogLogger{handler: l.handler.WithAttrs(attrs), level: l.level}
}

func (l *SlogLogger) Level() LogLevel {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level LogLevel) {
	l.level.Set(toSlogLevel(level))
}

// emit must be called directly by one of the exported level methods; the caller
// depth used for the source attribute depends on it.
func (l *SlogLogger) emit(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, emit, level method
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.handler.Handle(ctx, r)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
