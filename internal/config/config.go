// Package config handles configuration loading, validation, and management for clinicd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete clinicd configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the encrypted document store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Keys configuration for the session-key lifecycle.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Schemas configuration for clinical form schemas.
	Schemas SchemasConfig `toml:"schemas" json:"schemas" yaml:"schemas"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configuration for the audit trail sink.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`
}

// StorageConfig holds encrypted-store configuration.
type StorageConfig struct {
	// Path is the SQLite database file for encrypted documents.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MigrateTimeoutSec bounds a full key-rotation migration pass.
	// Zero disables the timeout.
	MigrateTimeoutSec int `toml:"migrate_timeout_sec" json:"migrate_timeout_sec" yaml:"migrate_timeout_sec"`
}

// KeysConfig holds session-key lifecycle configuration.
type KeysConfig struct {
	// MinSecretLength is the minimum accepted unlock secret length.
	MinSecretLength int `toml:"min_secret_length" json:"min_secret_length" yaml:"min_secret_length"`

	// MaxKeyAgeHours is the key expiry horizon. An expired key blocks
	// further use until re-derivation; it is not destroyed.
	MaxKeyAgeHours int `toml:"max_key_age_hours" json:"max_key_age_hours" yaml:"max_key_age_hours"`

	// DeriveTimeoutSec bounds key derivation. Zero disables the timeout.
	DeriveTimeoutSec int `toml:"derive_timeout_sec" json:"derive_timeout_sec" yaml:"derive_timeout_sec"`
}

// SchemasConfig holds form schema configuration.
type SchemasConfig struct {
	// Dir is the directory containing form schema JSON documents.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// LoggingConfig holds operational logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DataDir returns the clinicd data directory, honoring XDG_DATA_HOME.
func DataDir() string {
	if dir := os.Getenv("CLINICD_DATA_DIR"); dir != "" {
		return dir
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, _ := os.UserHomeDir()
		dataHome = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataHome, "clinicd")
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:              filepath.Join(dataDir, "clinicd.db"),
			MigrateTimeoutSec: 300,
		},
		Keys: KeysConfig{
			MinSecretLength:  6,
			MaxKeyAgeHours:   24,
			DeriveTimeoutSec: 10,
		},
		Schemas: SchemasConfig{
			Dir: filepath.Join(dataDir, "schemas"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Audit: AuditConfig{
			FilePath:   filepath.Join(dataDir, "audit.log"),
			MaxSizeMB:  50,
			MaxAgeDays: 90,
			MaxBackups: 10,
		},
	}
}

// MigrateTimeout returns the rotation-migration timeout as a duration.
func (c *StorageConfig) MigrateTimeout() time.Duration {
	return time.Duration(c.MigrateTimeoutSec) * time.Second
}

// MaxKeyAge returns the key expiry horizon as a duration.
func (c *KeysConfig) MaxKeyAge() time.Duration {
	return time.Duration(c.MaxKeyAgeHours) * time.Hour
}

// DeriveTimeout returns the key derivation timeout as a duration.
func (c *KeysConfig) DeriveTimeout() time.Duration {
	return time.Duration(c.DeriveTimeoutSec) * time.Second
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if c.Storage.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "must not be empty"})
	}
	if c.Storage.MigrateTimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "storage.migrate_timeout_sec", Message: "must not be negative"})
	}

	if c.Keys.MinSecretLength < 4 {
		errs = append(errs, ValidationError{Field: "keys.min_secret_length", Message: "must be at least 4"})
	}
	if c.Keys.MaxKeyAgeHours < 1 {
		errs = append(errs, ValidationError{Field: "keys.max_key_age_hours", Message: "must be at least 1"})
	}
	if c.Keys.DeriveTimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "keys.derive_timeout_sec", Message: "must not be negative"})
	}

	if c.Schemas.Dir == "" {
		errs = append(errs, ValidationError{Field: "schemas.dir", Message: "must not be empty"})
	}

	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", c.Logging.Output),
		})
	}
	if out := strings.ToLower(c.Logging.Output); (out == "file" || out == "both") && c.Logging.FilePath == "" {
		errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required for file output"})
	}

	if c.Audit.FilePath == "" {
		errs = append(errs, ValidationError{Field: "audit.file_path", Message: "must not be empty"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ApplyEnvOverrides applies CLINICD_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CLINICD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CLINICD_SCHEMAS_DIR"); v != "" {
		c.Schemas.Dir = v
	}
	if v := os.Getenv("CLINICD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CLINICD_AUDIT_FILE"); v != "" {
		c.Audit.FilePath = v
	}
	if v := os.Getenv("CLINICD_MIN_SECRET_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Keys.MinSecretLength = n
		}
	}
	if v := os.Getenv("CLINICD_MAX_KEY_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Keys.MaxKeyAgeHours = n
		}
	}
}
