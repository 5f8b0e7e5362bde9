package logging

import "testing"

func TestNewLoggerNotNil(t *testing.T) {
	logger := NewLogger("test")
	if logger == nil {
		t.Fatal("logger creation failed")
	}
	if logger.prefix != "test" {
		t.Errorf("expected prefix 'test', got %q", logger.prefix)
	}
}

func TestLoggerMethodsDoNotPanic(t *testing.T) {
	logger := NewNop()
	logger.Info("test_message", "key", "value")
	logger.Warn("test_warning", "key", "value")
	logger.Error("test_error", "key", "value")
}

func TestLoggerMultipleKeyValues(t *testing.T) {
	logger := NewNop()
	logger.Info("request_processed", "id", "abc123", "status", 200, "duration_ms", 45)
}

func TestLoggerSync(t *testing.T) {
	logger := NewNop()
	// Sync on a Nop logger has nothing to flush; just verify it doesn't
	// panic.
	_ = logger.Sync()
}
