package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Chains.Source != "simA" || cfg.Chains.Destination != "simB" {
		t.Errorf("default chains = (%q, %q), want (simA, simB)", cfg.Chains.Source, cfg.Chains.Destination)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.Storage.DataDir, dir)
	}

	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Crosslock Relayer Configuration") {
		t.Error("generated config missing header comment")
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	dir := t.TempDir()

	content := `
chains:
  source: devnetA
  destination: devnetB
relayer:
  watchdog_interval: 5s
  refund_margin: 2m
rpc:
  enabled: false
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Chains.Source != "devnetA" || cfg.Chains.Destination != "devnetB" {
		t.Errorf("chains = (%q, %q), want (devnetA, devnetB)", cfg.Chains.Source, cfg.Chains.Destination)
	}
	if cfg.Relayer.WatchdogInterval != 5*time.Second {
		t.Errorf("watchdog interval = %v, want 5s", cfg.Relayer.WatchdogInterval)
	}
	if cfg.Relayer.RefundMargin != 2*time.Minute {
		t.Errorf("refund margin = %v, want 2m", cfg.Relayer.RefundMargin)
	}
	if cfg.RPC.Enabled {
		t.Error("rpc.enabled = true, want false")
	}

	// Fields absent from the file keep their defaults.
	if cfg.Relayer.Retry.MaxAttempts != 5 {
		t.Errorf("retry max attempts = %d, want default 5", cfg.Relayer.Retry.MaxAttempts)
	}
	if cfg.Timelocks.Source.Cancellation != time.Hour {
		t.Errorf("source cancellation delta = %v, want default 1h", cfg.Timelocks.Source.Cancellation)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	content := `
chains:
  source: same
  destination: same
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("LoadConfig() with identical chains succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"missing source chain", func(c *Config) { c.Chains.Source = "" }, true},
		{"identical chains", func(c *Config) { c.Chains.Destination = c.Chains.Source }, true},
		{"zero retry attempts", func(c *Config) { c.Relayer.Retry.MaxAttempts = 0 }, true},
		{"source cancellation before withdrawal", func(c *Config) {
			c.Timelocks.Source.Cancellation = time.Second
		}, true},
		{"destination withdrawal not after deployment", func(c *Config) {
			c.Timelocks.Destination.Withdrawal = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	got := ConfigPath("/tmp/crosslock-data")
	want := filepath.Join("/tmp/crosslock-data", ConfigFileName)
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}
