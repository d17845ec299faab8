package config

// Default values for configuration options. These are the "layer 0" of the
// override chain (defaults -> config file -> environment) and work without
// any config file at all.
const (
	defaultListen          = "127.0.0.1:8080"
	defaultShutdownTimeout = "30s"
	defaultMaxFileSize     = "5GB"
	defaultRetentionDays   = 30
	defaultSigningExpiry   = "24h"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Upload: Upload{
			MaxFileSize: defaultMaxFileSize,
		},
		Trash: Trash{
			RetentionDays: defaultRetentionDays,
		},
		Signing: Signing{
			Expiry: defaultSigningExpiry,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
