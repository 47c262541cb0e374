package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tinyclaw", cfg.Agent.Name)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 8421, cfg.Gateway.Port)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, 10, cfg.Subagents.MaxActivePerUser)
	assert.Equal(t, 22, cfg.Nudge.QuietStart)
	assert.Equal(t, 8, cfg.Nudge.QuietEnd)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8421, cfg.Gateway.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	Reset()
	defer Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent:
  name: crumb
gateway:
  port: 9000
nudge:
  max_per_hour: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "crumb", cfg.Agent.Name)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, 2, cfg.Nudge.MaxPerHour)
	// untouched keys keep defaults
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestLoadMalformedFile(t *testing.T) {
	Reset()
	defer Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [not a map"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSetPersistsAndNotifies(t *testing.T) {
	Reset()
	defer Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := Load(path)
	require.NoError(t, err)

	var gotKey string
	OnChange(func(key string) { gotKey = key })

	require.NoError(t, Set("nudge.max_per_hour", 3))
	assert.Equal(t, "nudge.max_per_hour", gotKey)
	assert.Equal(t, 3, GetInt("nudge.max_per_hour"))
	assert.Equal(t, 3, GetConfig().Nudge.MaxPerHour)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_per_hour: 3")
}

func TestProviderTimeoutParsing(t *testing.T) {
	p := ProviderConfig{}
	assert.Equal(t, "2m0s", p.GetTimeout().String())

	p.Timeout = "45s"
	assert.Equal(t, "45s", p.GetTimeout().String())

	p.Timeout = "garbage"
	assert.Equal(t, "2m0s", p.GetTimeout().String())
}

func TestEnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("TINYCLAW_GATEWAY_PORT", "9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Gateway.Port)
}
