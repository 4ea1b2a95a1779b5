// Package config holds the daemon configuration for the crosslock relayer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosslock-exchange/crosslock/internal/timelock"
)

// Config holds all configuration for the relayer daemon.
type Config struct {
	// Chains names the two ledgers the relayer bridges.
	Chains ChainsConfig `yaml:"chains"`

	// Relayer holds orchestration timing and retry settings.
	Relayer RelayerConfig `yaml:"relayer"`

	// Timelocks holds the per-side delay schedules applied to new escrows.
	Timelocks TimelocksConfig `yaml:"timelocks"`

	// RPC holds the status API settings.
	RPC RPCConfig `yaml:"rpc"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ChainsConfig names the source and destination ledgers.
type ChainsConfig struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// RelayerConfig holds orchestrator timing settings.
type RelayerConfig struct {
	// WatchdogInterval is how often timeout deadlines are swept.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// RefundMargin starts a refund this long before the cancellation
	// window opens.
	RefundMargin time.Duration `yaml:"refund_margin"`

	// Retry settings for chain submissions.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig holds chain submission retry settings.
type RetryConfig struct {
	BaseInterval time.Duration `yaml:"base_interval"`
	MaxInterval  time.Duration `yaml:"max_interval"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// TimelocksConfig holds the delay schedule applied to each escrow side.
type TimelocksConfig struct {
	Source      timelock.Deltas `yaml:"source"`
	Destination timelock.Deltas `yaml:"destination"`
}

// RPCConfig holds the status API settings.
type RPCConfig struct {
	// Enabled toggles the HTTP status server.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the host:port to serve on.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults. The default
// schedule keeps the destination leg strictly inside the source leg so
// the taker always has time to claim after revealing.
func DefaultConfig() *Config {
	return &Config{
		Chains: ChainsConfig{
			Source:      "simA",
			Destination: "simB",
		},
		Relayer: RelayerConfig{
			WatchdogInterval: 30 * time.Second,
			RefundMargin:     time.Minute,
			Retry: RetryConfig{
				BaseInterval: 2 * time.Second,
				MaxInterval:  2 * time.Minute,
				Multiplier:   2.0,
				MaxAttempts:  5,
			},
		},
		Timelocks: TimelocksConfig{
			Source: timelock.Deltas{
				Finality:           time.Minute,
				Withdrawal:         2 * time.Minute,
				PublicWithdrawal:   30 * time.Minute,
				Cancellation:       time.Hour,
				PublicCancellation: 90 * time.Minute,
				Rescue:             24 * time.Hour,
			},
			Destination: timelock.Deltas{
				Withdrawal:       time.Minute,
				PublicWithdrawal: 15 * time.Minute,
				Cancellation:     45 * time.Minute,
				Rescue:           24 * time.Hour,
			},
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8590",
		},
		Storage: StorageConfig{
			DataDir: "~/.crosslock",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Chains.Source == "" || c.Chains.Destination == "" {
		return fmt.Errorf("both chains must be named")
	}
	if c.Chains.Source == c.Chains.Destination {
		return fmt.Errorf("source and destination chain must differ")
	}
	if c.Relayer.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	if _, err := timelock.Build(timelock.SideSource, time.Unix(0, 0), c.Timelocks.Source); err != nil {
		return fmt.Errorf("source timelocks: %w", err)
	}
	if _, err := timelock.Build(timelock.SideDestination, time.Unix(0, 0), c.Timelocks.Destination); err != nil {
		return fmt.Errorf("destination timelocks: %w", err)
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Crosslock Relayer Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
