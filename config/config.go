// Package config handles wult configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags and environment variables override at runtime (handled by CLI layer)
//
// This ensures a valid configuration is always available, even when no
// config file exists. The TOML decoder only sets fields present in the
// file, leaving unspecified fields at their default values.
//
// If the config file exists but is invalid, Load returns an error rather
// than silently falling back to defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the wult config file.
const DefaultConfigPath = "/etc/wult/wult.toml"

// Config is the top-level wult configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Trace   TraceConfig   `toml:"trace"`
	SSH     SSHConfig     `toml:"ssh"`
	Device  DeviceConfig  `toml:"device"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,devices=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
}

// TraceConfig controls the trace buffer reader.
type TraceConfig struct {
	// TimeoutSeconds is the longest time to wait for new trace
	// buffer data before a pull fails.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Timeout returns the trace pull timeout as a duration.
func (c *TraceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SSHConfig carries the defaults for connecting to remote measured
// hosts. The CLI flags override these per invocation.
type SSHConfig struct {
	User           string `toml:"user"`
	Port           int    `toml:"port"`
	KeyFile        string `toml:"key_file"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the SSH connect timeout as a duration.
func (c *SSHConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DeviceConfig controls device handling.
type DeviceConfig struct {
	// Dmesg enables kernel log capture around bind operations.
	Dmesg bool `toml:"dmesg"`
}

// DefaultConfig returns the default configuration from the embedded
// default.toml. This provides a valid baseline that is always
// available.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// This should never happen since default.toml is embedded at
		// build time. If it does, return a minimal safe config.
		return Config{
			Logging: LoggingConfig{Level: "info", Format: "text"},
			Trace:   TraceConfig{TimeoutSeconds: 30},
			SSH:     SSHConfig{User: "root", Port: 22, TimeoutSeconds: 8},
			Device:  DeviceConfig{Dmesg: true},
		}
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
//
// The TOML decoder only sets fields present in the file, so
// unspecified fields retain their default values from default.toml.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional - use defaults
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Trace.TimeoutSeconds < 0 {
		return fmt.Errorf("trace timeout cannot be negative: %d", c.Trace.TimeoutSeconds)
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("invalid SSH port: %d", c.SSH.Port)
	}
	return nil
}
