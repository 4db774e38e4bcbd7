package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerRespectsLevel(t *testing.T) {
	logger, err := NewLogger("production", "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn should be enabled at warn level")
	}
}

func TestNewLoggerBadLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "chatty")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled on fallback")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled on fallback")
	}
}
