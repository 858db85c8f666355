package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zoobzio/apmz/config"
)

func TestNewLevels(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(config.LogConfig{Level: "debug", Format: "console", Sampling: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSampledRateLimitsRepeatedMessages(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := Sampled(zap.New(core))

	for i := 0; i < 1000; i++ {
		logger.Warn("transport failure")
	}
	// First samplingInitial, then every samplingThereafter-th of the rest.
	// A tick boundary during the loop can at most double that.
	perTick := samplingInitial + (1000-samplingInitial)/samplingThereafter
	assert.GreaterOrEqual(t, logs.Len(), perTick)
	assert.LessOrEqual(t, logs.Len(), 2*perTick)
}

func TestSampledNil(t *testing.T) {
	assert.NotNil(t, Sampled(nil))
}
