// Package config provides YAML configuration loading and validation for a
// fswatch-backed host process: the set of roots to watch at startup plus
// the Options passed to fswatch.Start.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a host process embedding
// fswatch.
type Config struct {
	// Roots is the list of directory paths to register on startup.
	// At least one is required.
	Roots []string `yaml:"roots"`

	// DarwinLatencyMS is the FSEventStream coalescing latency in
	// milliseconds. Defaults to 10 when omitted. Ignored on non-macOS
	// platforms.
	DarwinLatencyMS int `yaml:"darwin_latency_ms"`

	// CommandTimeoutMS bounds how long Register, Unregister, and
	// Terminate wait for the worker before failing with ErrTimeout.
	// Defaults to 5000 when omitted.
	CommandTimeoutMS int `yaml:"command_timeout_ms"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the listen address for the /metrics HTTP endpoint
	// (e.g. "127.0.0.1:9100"). Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DarwinLatencyMS == 0 {
		cfg.DarwinLatencyMS = 10
	}
	if cfg.CommandTimeoutMS == 0 {
		cfg.CommandTimeoutMS = 5000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Roots) == 0 {
		errs = append(errs, errors.New("roots: at least one root is required"))
	}
	for i, r := range cfg.Roots {
		if r == "" {
			errs = append(errs, fmt.Errorf("roots[%d]: must not be empty", i))
		}
	}
	if cfg.DarwinLatencyMS < 0 {
		errs = append(errs, errors.New("darwin_latency_ms: must not be negative"))
	}
	if cfg.CommandTimeoutMS < 0 {
		errs = append(errs, errors.New("command_timeout_ms: must not be negative"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// DarwinLatency returns DarwinLatencyMS as a time.Duration.
func (c *Config) DarwinLatency() time.Duration {
	return time.Duration(c.DarwinLatencyMS) * time.Millisecond
}

// CommandTimeout returns CommandTimeoutMS as a time.Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}
