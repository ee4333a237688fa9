package logger

import "sync/atomic"

var defLogger atomic.Value

func init() {
	defLogger.Store(holder{NewSlog(InfoLevel, false)})
}

// holder keeps atomic.Value storing one concrete type.
type holder struct{ Logger }

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	GetLogger().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	GetLogger().Fatal(msg, keysAndValues...)
}

func SetLevel(level LogLevel) {
	GetLogger().SetLevel(level)
}

// GetLogger returns the package default logger.
func GetLogger() Logger {
	return defLogger.Load().(holder).Logger //nolint:forcetypeassert
}

// SetLogger replaces the package default logger. Components created afterwards use l.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(holder{l})
	}
}

func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
