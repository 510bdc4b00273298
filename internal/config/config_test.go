package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 6667, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Limits.RateLimitMs)
	assert.Equal(t, 200, cfg.Limits.MessageBufferSize)
	assert.Equal(t, 256*1024, cfg.Limits.MaxFrameBytes)
	assert.Equal(t, 30000, cfg.Timeouts.HeartbeatIntervalMs)
	assert.Equal(t, 30000, cfg.Timeouts.VerificationTimeoutMs)
	assert.Equal(t, "data/ratings.json", cfg.Ratings.Path)
	assert.False(t, cfg.TLS.Enabled())
	assert.False(t, cfg.Agentcourt.Enabled)
	assert.Equal(t, 3, cfg.Agentcourt.PanelSize)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
limits:
  rate_limit_ms: 250
agentcourt:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 250, cfg.Limits.RateLimitMs)
	assert.True(t, cfg.Agentcourt.Enabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, 200, cfg.Limits.MessageBufferSize)
	assert.Equal(t, 3, cfg.Agentcourt.PanelSize)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6667, cfg.Server.Port)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestMOTDResolve(t *testing.T) {
	m := MOTDConfig{Text: "hello agents"}
	text, err := m.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "hello agents", text)

	path := filepath.Join(t.TempDir(), "motd.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	m = MOTDConfig{Text: "ignored", File: path}
	text, err = m.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "from file", text)

	m = MOTDConfig{File: "/nonexistent/motd.txt"}
	_, err = m.Resolve()
	assert.Error(t, err)
}

func TestLoadAccessList(t *testing.T) {
	entries, err := LoadAccessList("")
	require.NoError(t, err)
	assert.Nil(t, entries)

	entries, err = LoadAccessList("/nonexistent/list.json")
	require.NoError(t, err)
	assert.Nil(t, entries)

	path := filepath.Join(t.TempDir(), "allow.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"agentId": "@abc12345", "note": "trusted"},
		{"pubkey": "-----BEGIN PUBLIC KEY-----..."}
	]`), 0o644))
	entries, err = LoadAccessList(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "@abc12345", entries[0].AgentID)
}
