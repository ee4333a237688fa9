// Package logger is the logging facade used by every go-robolink package.
//
// Components take a Logger through their options and fall back to the package default
// returned by GetLogger. NewSlog builds on log/slog, switching to a console handler when
// ENV is "development"; NewZerolog builds on github.com/rs/zerolog. Both accept
// alternating key/value pairs after the message.
package logger

import (
	"fmt"
	"strings"
)

// LogLevel indicates the logging severity level.
type LogLevel = int8

const (
	DebugLevel LogLevel = iota - 1 // per-frame and per-command tracing
	InfoLevel                      // connection lifecycle, the default
	WarnLevel                      // timeouts, retries, dropped events
	ErrorLevel                     // failures needing an operator
	FatalLevel                     // logs then exits the process
)

// Logger is implemented by every log backend. Fields passed at the call site are
// appended to those bound with With.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and then calls os.Exit(1) regardless of the level.
	Fatal(msg string, keysAndValues ...any)
	// With returns a child logger carrying keyValues; the parent is unchanged.
	With(keyValues ...any) Logger
	Level() LogLevel
	SetLevel(level LogLevel)
}

// ParseLevel converts a level name ("debug", "info", "warn", "error", "fatal") to a LogLevel.
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
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}
