package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 256, cfg.BadMessageCacheSize)
	assert.True(t, cfg.RequireDateHeader)
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("CHANNELD_IDLE_TIMEOUT", "5s")
	t.Setenv("CHANNELD_REQUIRE_DATE_HEADER", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
	assert.False(t, cfg.RequireDateHeader)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	os.Setenv("CHANNELD_ASYNC_TIMEOUT", "not-a-duration")
	defer os.Unsetenv("CHANNELD_ASYNC_TIMEOUT")

	_, err := Load()
	require.Error(t, err)
}
