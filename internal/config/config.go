package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Pools    PoolsConfig    `yaml:"pools"`
	Kernel   KernelConfig   `yaml:"kernel"`
	Session  SessionConfig  `yaml:"session"`
	Metadata MetadataConfig `yaml:"metadata"`
	Data     DataConfig     `yaml:"data"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Audit    AuditConfig    `yaml:"audit"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Logging:  DefaultLoggingConfig(),
		Pools:    DefaultPoolsConfig(),
		Kernel:   DefaultKernelConfig(),
		Session:  DefaultSessionConfig(),
		Metadata: DefaultMetadataConfig(),
		Data:     DefaultDataConfig(),
		Metrics:  DefaultMetricsConfig(),
		Audit:    DefaultAuditConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	cfg := Default()

	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyServiceConfigs(configDir, cfg.Sections()...); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// Sections returns every section in lifecycle order.
func (c *Config) Sections() []ServiceConfig {
	return []ServiceConfig{
		&c.Logging,
		&c.Pools,
		&c.Kernel,
		&c.Session,
		&c.Metadata,
		&c.Data,
		&c.Metrics,
		&c.Audit,
	}
}

// loadFile merges filename into cfg. A missing file is skipped; an
// unreadable or malformed one is an error.
func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	slog.Debug("Loaded configuration file", "file", filename)
	return nil
}
