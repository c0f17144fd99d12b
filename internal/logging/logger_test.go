package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("production logger ready")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	prod := Config(false)
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "ts", prod.EncoderConfig.TimeKey)
	assert.Nil(t, prod.Sampling)

	dev := Config(true)
	assert.Equal(t, "console", dev.Encoding)
	assert.True(t, dev.Development)
}
