package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nshruti113/dos-protect/internal/config"
)

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(config.LoggerConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, _, err := New(config.LoggerConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewBuildsAtLevel(t *testing.T) {
	logger, level, err := New(config.LoggerConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if level.Level() != zapcore.WarnLevel {
		t.Fatalf("level = %s, want warn", level.Level())
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn")
	}
}

func TestReloadChangesLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	reload := Reload(zap.New(core), level)

	cfg := config.Default()
	cfg.Logger.Level = "debug"
	reload(cfg)
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("level = %s, want debug", level.Level())
	}
	if logs.FilterMessage("log level changed").Len() != 1 {
		t.Fatalf("expected one change entry, got %v", logs.All())
	}

	cfg.Logger.Level = "nonsense"
	reload(cfg)
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("invalid level must not change the current level")
	}
	if logs.FilterMessage("ignoring log level change").Len() != 1 {
		t.Fatalf("invalid level should be logged")
	}
}
