package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "extensions", cfg.ExtensionDir)
	assert.Equal(t, "1.0.0", cfg.HostVersion)
	assert.Equal(t, 50, cfg.MaxExtensions)
	assert.Equal(t, 5<<20, cfg.StorageQuotaBytes)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.RequireSignature)
	assert.Equal(t, 6*time.Hour, cfg.UpdateInterval)
	assert.Equal(t, 10*time.Minute, cfg.UpdateCacheTTL)
	assert.True(t, cfg.WatchExtensions)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
extension_dir: /var/lib/ayoto/extensions
host_version: 2.3.0
max_extensions: 10
require_signature: true
update_interval: 30m
redis_addr: localhost:6379
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ayoto/extensions", cfg.ExtensionDir)
	assert.Equal(t, "2.3.0", cfg.HostVersion)
	assert.Equal(t, 10, cfg.MaxExtensions)
	assert.True(t, cfg.RequireSignature)
	assert.Equal(t, 30*time.Minute, cfg.UpdateInterval)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5<<20, cfg.StorageQuotaBytes)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AYOTO_MAX_EXTENSIONS", "7")
	t.Setenv("AYOTO_HOST_VERSION", "3.1.4")
	t.Setenv("AYOTO_WATCH_EXTENSIONS", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxExtensions)
	assert.Equal(t, "3.1.4", cfg.HostVersion)
	assert.False(t, cfg.WatchExtensions)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("AYOTO_MAX_EXTENSIONS", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
