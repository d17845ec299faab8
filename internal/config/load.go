package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides. Environment wins over the
// config file; there are no CLI-flag overrides for these values.
const (
	EnvConfig        = "FILEBARN_CONFIG"
	EnvStorageRoot   = "FILEBARN_STORAGE_ROOT"
	EnvListen        = "FILEBARN_LISTEN"
	EnvSigningSecret = "FILEBARN_SIGNING_SECRET"
)

// Load reads the TOML config at path, applies environment overrides, and
// validates the result. A missing file is not an error — defaults plus
// environment apply. An empty path consults FILEBARN_CONFIG.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides replaces config values with environment settings where set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvStorageRoot); v != "" {
		cfg.Storage.Root = v
	}

	if v := os.Getenv(EnvListen); v != "" {
		cfg.Server.Listen = v
	}

	if v := os.Getenv(EnvSigningSecret); v != "" {
		cfg.Signing.Secret = v
	}
}

// Validate checks the resolved configuration for values that would fail at
// runtime. Called by Load; exposed for tests that build configs directly.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("config: storage.root is required")
	}

	if _, err := parseSize(c.Upload.MaxFileSize); err != nil {
		return fmt.Errorf("config: upload.max_file_size: %w", err)
	}

	if c.Quota.CeilingBytes < 0 {
		return fmt.Errorf("config: quota.ceiling_bytes must be non-negative")
	}

	if c.Signing.Enabled && c.Signing.Secret == "" {
		return fmt.Errorf("config: signing.secret is required when signing is enabled")
	}

	if _, err := c.Signing.ExpiryDuration(); err != nil {
		return fmt.Errorf("config: signing.expiry: %w", err)
	}

	if _, err := c.Server.ShutdownDuration(); err != nil {
		return fmt.Errorf("config: server.shutdown_timeout: %w", err)
	}

	return nil
}

// ExpiryDuration resolves the signing expiry string to a duration.
func (s Signing) ExpiryDuration() (time.Duration, error) {
	if s.Expiry == "" {
		return 0, nil
	}

	return time.ParseDuration(s.Expiry)
}

// ShutdownDuration resolves the shutdown timeout string to a duration.
func (s Server) ShutdownDuration() (time.Duration, error) {
	if s.ShutdownTimeout == "" {
		return 0, nil
	}

	return time.ParseDuration(s.ShutdownTimeout)
}
