package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, development := range []bool{true, false} {
		logger, err := New(development)
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("logger ready", zap.Bool("development", development))
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	}
}

func TestNamed(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Named(zap.New(core), "ingest").Info("batch stored")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ingest", logs.All()[0].LoggerName)

	assert.NotPanics(t, func() { Named(nil, "poller").Info("dropped") })
}

func TestSecret(t *testing.T) {
	assert.Equal(t, "<unset>", Secret("token", "").String)
	assert.Equal(t, "<redacted>", Secret("token", "abc").String)
}
