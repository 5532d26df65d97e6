package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(configJSONEnv, "")

	cm, err := NewConfigManager[ClientConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 120, cfg.ProviderTimeoutS)
	assert.Equal(t, 6, cfg.OperationRetryCount)
	assert.Equal(t, "async", cfg.PrefetchMode)
	assert.Equal(t, int64(4194304), cfg.MinPrefetchBlockSize)
	assert.Equal(t, 300, cfg.DirectoryCacheDropAfterS)
}

func TestConfigJSONOverride(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv(configJSONEnv, `{"providerHost":"example.test:443","prefetchMode":"sync","operationRetryCount":2}`)

	cm, err := NewConfigManager[ClientConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, "example.test:443", cfg.ProviderHost)
	assert.Equal(t, "sync", cfg.PrefetchMode)
	assert.Equal(t, 2, cfg.OperationRetryCount)
	// Untouched defaults survive the override.
	assert.Equal(t, 120, cfg.StorageTimeoutS)
}

func TestValidateConfig(t *testing.T) {
	valid := testConfig()
	require.NoError(t, ValidateConfig(valid))

	missingHost := *valid
	missingHost.ProviderHost = ""
	assert.ErrorIs(t, ValidateConfig(&missingHost), ErrInvalidConfig)

	conflicting := *valid
	conflicting.ForceProxyIO = true
	conflicting.ForceDirectIO = true
	assert.ErrorIs(t, ValidateConfig(&conflicting), ErrInvalidConfig)

	badThreshold := *valid
	badThreshold.LinearReadPrefetchThreshold = 1.5
	assert.ErrorIs(t, ValidateConfig(&badThreshold), ErrInvalidConfig)
}
