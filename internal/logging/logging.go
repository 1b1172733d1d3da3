// Package logging defines the logger interface shared by the node's
// components. Components accept a Logger through functional options and
// fall back to DefaultLogger.
package logging

import "log"

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// DefaultLogger provides a basic logger implementation
type DefaultLogger struct {
	logger *log.Logger
	debug  bool
}

// NewDefaultLogger returns a logger writing to the standard log output.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{logger: log.Default()}
}

// NewDebugLogger returns a DefaultLogger that also emits Debug lines.
func NewDebugLogger() *DefaultLogger {
	return &DefaultLogger{logger: log.Default(), debug: true}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	if !l.debug {
		return
	}
	l.logger.Printf("[DEBUG] "+msg, fields...)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.logger.Printf("[INFO] "+msg, fields...)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Printf("[WARN] "+msg, fields...)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.logger.Printf("[ERROR] "+msg, fields...)
}

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{}) {}
func (NopLogger) Info(msg string, fields ...interface{})  {}
func (NopLogger) Warn(msg string, fields ...interface{})  {}
func (NopLogger) Error(msg string, fields ...interface{}) {}

var _ Logger = (*DefaultLogger)(nil)
var _ Logger = NopLogger{}
