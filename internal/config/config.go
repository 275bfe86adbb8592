package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatvault/config.toml.
type Config struct {
	DefaultProfile    string `toml:"default_profile"`
	RetentionDays     int    `toml:"retention_days"`
	BackupKeep        int    `toml:"backup_keep"`
	IntegrityInterval string `toml:"integrity_interval"`
	MetricsAddr       string `toml:"metrics_addr"`
	LogLevel          string `toml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile:    "main",
		RetentionDays:     90,
		BackupKeep:        5,
		IntegrityInterval: "6h",
		LogLevel:          "info",
	}
}

// Load reads config from the given path. Keys absent from the file keep
// their defaults. Returns nil and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Interval parses IntegrityInterval. Zero disables the periodic check.
func (c *Config) Interval() (time.Duration, error) {
	if c.IntegrityInterval == "" || c.IntegrityInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.IntegrityInterval)
	if err != nil {
		return 0, fmt.Errorf("integrity_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("integrity_interval: negative duration %s", d)
	}
	return d, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("retention_days: must be positive, got %d", c.RetentionDays))
	}
	if c.BackupKeep < 0 {
		errs = append(errs, fmt.Errorf("backup_keep: must not be negative, got %d", c.BackupKeep))
	}
	if _, err := c.Interval(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
