package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10000, cfg.Sync.PollFrequencyMillis)
	assert.Equal(t, 200, cfg.Sync.BatchSize)
	assert.Equal(t, 4, cfg.Sync.DispatchWorkers)
	assert.Equal(t, "5m", cfg.Sync.JobTimeout)
	assert.Empty(t, cfg.Sync.WatermarkDefault)

	assert.Empty(t, cfg.Account.SyncPolicy)
	assert.Equal(t, BackendFile, cfg.SystemA.Backend)
	assert.Equal(t, BackendFile, cfg.SystemB.Backend)
	assert.Empty(t, cfg.State.DBPath)

	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Empty(t, cfg.Logging.LogFile)
	assert.Equal(t, "30s", cfg.Network.RequestTimeout)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestDefaultConfig_ReturnsFreshValue(t *testing.T) {
	a := DefaultConfig()
	a.Sync.BatchSize = 1

	assert.Equal(t, defaultBatchSize, DefaultConfig().Sync.BatchSize)
}
