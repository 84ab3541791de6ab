// Configuration management for the karst validator daemon
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration
type Config struct {
	Validation ValidationConfig `mapstructure:"validation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// ValidationConfig for the block validation engine
type ValidationConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	ConfigDir      string `mapstructure:"config_dir"`
	Workers        int    `mapstructure:"workers"`
	MaxHeadRetries int    `mapstructure:"max_head_retries"`
}

// StorageConfig for the block store and state database
type StorageConfig struct {
	BlockDB    string `mapstructure:"block_db"`
	StateDB    string `mapstructure:"state_db"`
	ReceiptsDB string `mapstructure:"receipts_db"`
}

// APIConfig for the admin/status REST server
type APIConfig struct {
	Port           int     `mapstructure:"port"`
	Host           string  `mapstructure:"host"`
	SubmitRate     float64 `mapstructure:"submit_rate"`
	SubmitBurst    int     `mapstructure:"submit_burst"`
	EnableEventWS  bool    `mapstructure:"enable_event_ws"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// MetricsConfig for Prometheus metrics
type MetricsConfig struct {
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// LogConfig for structured logging
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Validation: ValidationConfig{
			DataDir:        "data",
			ConfigDir:      "etc",
			Workers:        1,
			MaxHeadRetries: 8,
		},
		Storage: StorageConfig{
			BlockDB:    filepath.Join("data", "blocks"),
			StateDB:    filepath.Join("data", "state"),
			ReceiptsDB: filepath.Join("data", "receipts.db"),
		},
		API: APIConfig{
			Port:           8800,
			Host:           "0.0.0.0",
			SubmitRate:     50,
			SubmitBurst:    100,
			EnableEventWS:  true,
			TrustedProxies: []string{},
		},
		Metrics: MetricsConfig{
			Port:    9100,
			Path:    "/metrics",
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file or returns defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Validation.Workers < 1 {
		return fmt.Errorf("validation.workers must be at least 1, got %d", c.Validation.Workers)
	}
	if c.Validation.MaxHeadRetries < 1 {
		return fmt.Errorf("validation.max_head_retries must be at least 1, got %d", c.Validation.MaxHeadRetries)
	}
	if c.Validation.DataDir == "" {
		return fmt.Errorf("validation.data_dir must not be empty")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	if c.API.SubmitRate <= 0 {
		return fmt.Errorf("api.submit_rate must be positive, got %f", c.API.SubmitRate)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("validation.workers", 1)
	v.SetDefault("validation.max_head_retries", 8)
	v.SetDefault("validation.data_dir", "data")
	v.SetDefault("validation.config_dir", "etc")
	v.SetDefault("api.port", 8800)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.submit_rate", 50)
	v.SetDefault("api.submit_burst", 100)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
}
