package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleng/internal/keystore"
	"github.com/srg/bleng/internal/security"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 256, cfg.QueueCapacity)
	assert.Equal(t, 10*time.Second, cfg.CommandTimeout)
	assert.Equal(t, uint16(247), cfg.MTU)
	assert.Equal(t, 10*time.Millisecond, cfg.Connection.MinInterval)
	assert.Equal(t, 15*time.Millisecond, cfg.Connection.MaxInterval)
	assert.Equal(t, 30*time.Second, cfg.Security.UserConfirmTimeout)
	assert.True(t, cfg.Security.Bonding)

	level, err := cfg.RequiredLevel()
	require.NoError(t, err)
	assert.Equal(t, keystore.LevelNone, level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
log_level: debug
queue_capacity: 64
security:
  level: authenticate
  io_capability: keyboard
  user_confirm_timeout: 5s
connection:
  max_interval: 30ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, 30*time.Millisecond, cfg.Connection.MaxInterval)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Millisecond, cfg.Connection.MinInterval)

	level, err := cfg.RequiredLevel()
	require.NoError(t, err)
	assert.Equal(t, keystore.LevelEncAuth, level)

	sec, err := cfg.SecurityConfigFor()
	require.NoError(t, err)
	assert.Equal(t, uint8(security.IOCapKeyboardOnly), sec.IOCapability)
	assert.Equal(t, 5*time.Second, sec.UserConfirmTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "security:\n  level: paranoid\n"},
		{"bad io capability", "security:\n  io_capability: telepathy\n"},
		{"bad log level", "log_level: shouty\n"},
		{"zero queue", "queue_capacity: 0\n"},
		{"malformed yaml", "queue_capacity: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
