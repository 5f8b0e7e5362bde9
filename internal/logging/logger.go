// Package logging provides the structured logging facade used across
// the service: a thin Logger wrapping a zap.SugaredLogger so call
// sites stay in the "event_name", "key", value convention regardless
// of the backend.
package logging

import (
	"go.uber.org/zap"
)

// Logger provides structured logging with a fixed component prefix.
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a production zap-backed logger tagged with the
// given component prefix.
func NewLogger(prefix string) *Logger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return &Logger{prefix: prefix, sugar: base.Sugar().With("component", prefix)}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{prefix: "nop", sugar: zap.NewNop().Sugar()}
}

// Info logs an informational event with key/value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning event with key/value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error event with key/value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered log entries; callers should defer this
// after constructing the top-level service logger.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
