package logger

import (
	"sync/atomic"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock of Logger for asserting on log output.
//
// Every log call is recorded under its method name with two arguments, the message and the
// key/value slice. With returns the mock itself, so child loggers report to the same
// expectations. Level and SetLevel are not recorded.
type MockLogger struct {
	mock.Mock

	level atomic.Int32
}

var _ Logger = (*MockLogger)(nil)

// NewMockLogger creates a MockLogger without expectations at DebugLevel.
func NewMockLogger() *MockLogger {
	m := &MockLogger{}
	m.level.Store(int32(DebugLevel))

	return m
}

// AllowAll accepts any log call that has no more specific expectation.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Maybe().Return()
	}

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.MethodCalled("Debug", msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.MethodCalled("Info", msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.MethodCalled("Warn", msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.MethodCalled("Error", msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.MethodCalled("Fatal", msg, keysAndValues)
}

func (m *MockLogger) With(...any) Logger { return m }

func (m *MockLogger) Level() LogLevel { return LogLevel(m.level.Load()) }

func (m *MockLogger) SetLevel(level LogLevel) { m.level.Store(int32(level)) }
