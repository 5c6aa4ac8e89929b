package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadSchemes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackendURL = "http://127.0.0.1:8765/bridge"
	assert.Error(t, cfg.Validate(), "backend must be ws:// or wss://")

	cfg = DefaultConfig()
	cfg.DevToolsURL = "localhost:9222"
	assert.Error(t, cfg.Validate(), "devtools must be ws:// or wss://")

	// Empty devtools means headless launch, which is fine.
	cfg = DefaultConfig()
	cfg.DevToolsURL = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadTuning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ReconnectDelay = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RingCapacity = 0
	assert.Error(t, cfg.Validate())
}

func TestParseKDLOverridesDefaults(t *testing.T) {
	cfg, err := ParseKDLConfig(`
backend {
    url "wss://bridge.example.com/bridge"
    reconnect-delay 5
    max-attempts 3
}

panel {
    addr "127.0.0.1:9000"
}

browser {
    headless true
}

console {
    ring-capacity 100
    settle-delay-ms 50
}
`)
	require.NoError(t, err)

	assert.Equal(t, "wss://bridge.example.com/bridge", cfg.BackendURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "127.0.0.1:9000", cfg.PanelAddr)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 100, cfg.RingCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.SettleDelay)

	// Untouched settings keep defaults.
	assert.Equal(t, DefaultKeepalive, cfg.Keepalive)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultDevToolsURL, cfg.DevToolsURL)
}

func TestParseKDLEmptyKeepsDefaults(t *testing.T) {
	cfg, err := ParseKDLConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBackendURL, cfg.BackendURL)
	assert.Equal(t, DefaultRingCapacity, cfg.RingCapacity)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.kdl"))
	assert.Error(t, err)
}

func TestWriteDefaultConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabbridge", GlobalConfigFile)
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultBackendURL, cfg.BackendURL)
	assert.Equal(t, DefaultPanelAddr, cfg.PanelAddr)
}

func TestGlobalConfigPathHonorsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got := GlobalConfigPath()
	assert.True(t, strings.HasPrefix(got, dir), "path %s should be under %s", got, dir)
	assert.Equal(t, GlobalConfigFile, filepath.Base(got))
}

func TestLoadGlobalConfigFallsBack(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultBackendURL, cfg.BackendURL)
}
