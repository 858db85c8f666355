// Package logging builds the agent's own zap logger.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoobzio/apmz/config"
)

// Sampling keeps the first samplingInitial entries with the same message
// per second, then every samplingThereafter-th.
const (
	samplingInitial    = 10
	samplingThereafter = 100
)

// New builds a logger from cfg. Format "console" selects the human-readable
// encoder, anything else JSON.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Sampling = nil

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Sampling {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, time.Second, samplingInitial, samplingThereafter)
		}))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("apmz"), nil
}

// Sampled wraps an existing logger's core with the agent's rate limit.
// Used when the host application supplies its own logger.
func Sampled(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Second, samplingInitial, samplingThereafter)
	}))
}
