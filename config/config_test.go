package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.Trace.Timeout())
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 8*time.Second, cfg.SSH.Timeout())
	assert.True(t, cfg.Device.Dmesg)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wult.toml")
	content := `
[logging]
level = "info,devices=debug"

[trace]
timeout_seconds = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info,devices=debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Trace.Timeout())
	// Unspecified fields keep their defaults.
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "root", cfg.SSH.User)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wult.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid toml ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trace.TimeoutSeconds = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SSH.Port = 0
	assert.Error(t, cfg.Validate())
}
