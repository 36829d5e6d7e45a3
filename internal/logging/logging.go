package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nshruti113/dos-protect/internal/config"
)

// New builds the process logger. The returned level can be changed at runtime.
func New(cfg config.LoggerConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := SetLevel(level, cfg.Level); err != nil {
		return nil, level, err
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, level, fmt.Errorf("logger.format %q: want json or console", cfg.Format)
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}

// SetLevel parses name (debug, info, warn, error) into level.
func SetLevel(level zap.AtomicLevel, name string) error {
	if name == "" {
		name = "info"
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return fmt.Errorf("logger.level %q: %w", name, err)
	}
	return nil
}

// Reload applies the logger settings of a re-read configuration.
func Reload(logger *zap.Logger, level zap.AtomicLevel) func(*config.Config) {
	return func(cfg *config.Config) {
		before := level.Level()
		if err := SetLevel(level, cfg.Logger.Level); err != nil {
			logger.Warn("ignoring log level change", zap.Error(err))
			return
		}
		if before != level.Level() {
			logger.Info("log level changed",
				zap.Stringer("from", before),
				zap.Stringer("to", level.Level()))
		}
	}
}
