package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// #region options
// Options selects the logger's encoding and starting level.
type Options struct {
	Debug  bool
	Format string // "json" | "console"
}

// #endregion options

// #region new-logger
// NewLogger builds a production zap logger. The returned AtomicLevel lets the
// config watcher flip debug output without rebuilding the logger.
func NewLogger(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Debug {
		config.Level.SetLevel(zapcore.DebugLevel)
	}
	switch opts.Format {
	case "", "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unknown log format %q", opts.Format)
	}
	config.DisableStacktrace = !opts.Debug

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, config.Level, nil
}

// #endregion new-logger

// SetDebug toggles debug output on a level returned by NewLogger.
func SetDebug(level zap.AtomicLevel, debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}
