package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func reset(t *testing.T) {
	t.Helper()
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	Logger = nil
}

func TestInit_EnvironmentDefaults(t *testing.T) {
	reset(t)

	require.NoError(t, Init("development", ""))
	assert.True(t, Logger.Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init("production", ""))
	assert.False(t, Logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, Logger.Core().Enabled(zap.InfoLevel))
}

func TestInit_LevelOverride(t *testing.T) {
	reset(t)

	require.NoError(t, Init("development", "WARN"))
	assert.False(t, Logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, Logger.Core().Enabled(zap.WarnLevel))
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	reset(t)

	err := Init("production", "loud")
	assert.ErrorContains(t, err, `invalid log level "loud"`)
	assert.Nil(t, Logger)
}

func TestGet_FallbackIsShared(t *testing.T) {
	reset(t)

	assert.Same(t, Get(), Get())
	assert.NotNil(t, Component("vector"))
}
