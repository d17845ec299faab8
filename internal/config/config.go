// Package config implements TOML configuration loading, validation, and
// environment overrides for filebarn. The configuration is resolved once at
// process start and passed by value into each component; nothing reads a
// mutable global afterwards.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Storage Storage `toml:"storage"`
	Server  Server  `toml:"server"`
	Upload  Upload  `toml:"upload"`
	Quota   Quota   `toml:"quota"`
	Trash   Trash   `toml:"trash"`
	Signing Signing `toml:"signing"`
	Remote  Remote  `toml:"remote"`
	Logging Logging `toml:"logging"`
}

// Storage controls where bytes and the record store live on disk.
type Storage struct {
	// Root is the storage root. Item artifacts live under <root>/files,
	// upload sessions under <root>/uploads, derivatives under
	// <root>/derivatives, and the record store at <root>/filebarn.db.
	Root string `toml:"root"`
}

// Server controls the HTTP listener.
type Server struct {
	Listen          string `toml:"listen"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// Upload controls the chunked upload coordinator.
type Upload struct {
	// MaxFileSize is the per-file ceiling, e.g. "5GB". "0" disables it.
	MaxFileSize string `toml:"max_file_size"`
	// AllowedMimeTypes are patterns matched against the declared mime type
	// of a new upload, e.g. "image/*" or "application/pdf". An empty list
	// allows everything.
	AllowedMimeTypes []string `toml:"allowed_mime_types"`
}

// Quota controls the owner-scoped byte budget for local storage.
// Remote accounts report their own quota and ignore this ceiling.
type Quota struct {
	// CeilingBytes is the per-owner quota in bytes. 0 = unlimited.
	CeilingBytes int64 `toml:"ceiling_bytes"`
}

// Trash controls soft-delete retention. Retention sweeping itself is an
// external concern; the value is surfaced so callers can schedule it.
type Trash struct {
	RetentionDays int `toml:"retention_days"`
}

// Signing controls expiring HMAC read tokens. When disabled, the serve
// endpoints do not require a token.
type Signing struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"`
	// Expiry is how long issued tokens remain valid, e.g. "24h".
	Expiry string `toml:"expiry"`
}

// Remote holds the OAuth client credentials for the remote drive API.
// Tokens themselves live on the account records, not here.
type Remote struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	// BaseURL overrides the remote API endpoint; tests point it at a
	// local httptest server.
	BaseURL string `toml:"base_url"`
}

// Logging controls log output behavior.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "auto", "text", or "json"
}
