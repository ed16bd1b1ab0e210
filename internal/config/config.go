// Package config loads host configuration from a YAML file and
// AYOTO_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the extension host configuration.
type Config struct {
	// ExtensionDir is where .aypk packages are discovered.
	ExtensionDir string `mapstructure:"extension_dir"`
	// HostVersion is the app version extensions are compatibility-checked
	// against.
	HostVersion string `mapstructure:"host_version"`

	MaxExtensions     int `mapstructure:"max_extensions"`
	StorageQuotaBytes int `mapstructure:"storage_quota_bytes"`

	// RedisAddr enables the Redis storage backend when non-empty;
	// otherwise extension data lives in memory.
	RedisAddr string `mapstructure:"redis_addr"`

	RequireSignature bool     `mapstructure:"require_signature"`
	TrustedKeyFiles  []string `mapstructure:"trusted_key_files"`

	UpdateInterval time.Duration `mapstructure:"update_interval"`
	UpdateCacheTTL time.Duration `mapstructure:"update_cache_ttl"`

	WatchExtensions bool `mapstructure:"watch_extensions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("extension_dir", "extensions")
	v.SetDefault("host_version", "1.0.0")
	v.SetDefault("max_extensions", 50)
	v.SetDefault("storage_quota_bytes", 5<<20)
	v.SetDefault("redis_addr", "")
	v.SetDefault("require_signature", false)
	v.SetDefault("update_interval", 6*time.Hour)
	v.SetDefault("update_cache_ttl", 10*time.Minute)
	v.SetDefault("watch_extensions", true)
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the AYOTO_ prefix with
// underscores, e.g. AYOTO_EXTENSION_DIR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AYOTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxExtensions <= 0 {
		return nil, fmt.Errorf("max_extensions must be positive, got %d", cfg.MaxExtensions)
	}
	if cfg.StorageQuotaBytes <= 0 {
		return nil, fmt.Errorf("storage_quota_bytes must be positive, got %d", cfg.StorageQuotaBytes)
	}
	return &cfg, nil
}
