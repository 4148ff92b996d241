package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8900", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Proxy.DefaultTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Proxy.CorrelationWindow)
	assert.Equal(t, 2<<20, cfg.Proxy.BinaryChunkBytes)
	assert.Equal(t, 2<<20, cfg.Proxy.TextChunkChars)
	assert.Equal(t, 40*time.Second, cfg.Permission.ConfirmTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Storage.BlobTTL)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("PROXY_TIMEOUT", "30s")
	t.Setenv("PERMISSION_CONFIRM_TIMEOUT", "10s")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("DATA_DIR", "/tmp/sg-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Proxy.DefaultTimeout)
	assert.Equal(t, 10*time.Second, cfg.Permission.ConfirmTimeout)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "/tmp/sg-test", cfg.Storage.DataDir)
}

func TestLoadDefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "scriptgate/1.0", cfg.Proxy.UserAgent)
}
