package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the main Tether configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Storage configuration
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Retention configuration
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// StorageConfig holds storage engine configuration
type StorageConfig struct {
	Path        string `json:"path" mapstructure:"path"`
	MaxAttempts int    `json:"max_attempts" mapstructure:"max_attempts"`
	RetryBaseMs int    `json:"retry_base_ms" mapstructure:"retry_base_ms"`
}

// GatewayConfig holds attach gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// RetentionConfig holds the session retention sweeper configuration.
// MaxAge is a Go duration string such as "168h"; Cron is a standard
// 5-field cron expression.
type RetentionConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	MaxAge  string `json:"max_age" mapstructure:"max_age"`
	Cron    string `json:"cron" mapstructure:"cron"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir: dataDir,
		Storage: StorageConfig{
			Path:        filepath.Join(dataDir, "tether.db"),
			MaxAttempts: 5,
			RetryBaseMs: 10,
		},
		Gateway: GatewayConfig{
			// off until a shared secret is configured
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7617,
		},
		Retention: RetentionConfig{
			Enabled: true,
			MaxAge:  "168h", // 7 days
			Cron:    "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".tether")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway.shared_secret is required when the gateway is enabled")
		}
	}
	if c.Retention.Enabled {
		if _, err := time.ParseDuration(c.Retention.MaxAge); err != nil {
			return fmt.Errorf("retention.max_age is not a valid duration: %w", err)
		}
		if c.Retention.Cron == "" {
			return fmt.Errorf("retention.cron is required when retention is enabled")
		}
	}
	return nil
}

// RetentionMaxAge returns the parsed retention age. Validate must have
// passed first.
func (c *Config) RetentionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Retention.MaxAge)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}
