package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()

	validConfig := `
registry:
  min_stake: 5000
market:
  reserve: 250
  listing_ttl: 12h
economics:
  collateral_bps: 1500
  penalty_bps: 2500
store:
  backend: memory
sweep_interval: 30s
`

	validFile := filepath.Join(tmpDir, "valid.yaml")
	err := os.WriteFile(validFile, []byte(validConfig), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	cfg, err := LoadConfig(validFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.MinStake != 5000 {
		t.Errorf("expected min_stake 5000, got %d", cfg.Registry.MinStake)
	}
	if cfg.Market.ListingTTL != 12*time.Hour {
		t.Errorf("expected listing_ttl 12h, got %s", cfg.Market.ListingTTL)
	}
	if cfg.Economics.PenaltyBps != 2500 {
		t.Errorf("expected penalty_bps 2500, got %d", cfg.Economics.PenaltyBps)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Reputation.HalfLife != 7*24*time.Hour {
		t.Errorf("expected default half_life, got %s", cfg.Reputation.HalfLife)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()

	invalidYAML := `
registry:
invalid yaml here: [[[
`

	invalidFile := filepath.Join(tmpDir, "invalid.yaml")
	err := os.WriteFile(invalidFile, []byte(invalidYAML), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err = LoadConfig(invalidFile)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_RedisAddrFromEnv(t *testing.T) {
	tmpDir := t.TempDir()

	cfgYAML := `
store:
  backend: redis
`
	file := filepath.Join(tmpDir, "redis.yaml")
	if err := os.WriteFile(file, []byte(cfgYAML), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	t.Setenv("AGORA_REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis addr from env, got %q", cfg.Store.Redis.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate with env addr: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero min stake", func(c *Config) { c.Registry.MinStake = 0 }, true},
		{"negative reserve", func(c *Config) { c.Market.Reserve = -1 }, true},
		{"zero listing ttl", func(c *Config) { c.Market.ListingTTL = 0 }, true},
		{"penalty over scale", func(c *Config) { c.Economics.PenaltyBps = 10_001 }, true},
		{"collateral negative", func(c *Config) { c.Economics.CollateralBps = -1 }, true},
		{"zero half life", func(c *Config) { c.Reputation.HalfLife = 0 }, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }, true},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }, true},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "out.yaml")

	cfg := Default()
	cfg.Registry.MinStake = 42

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Registry.MinStake != 42 {
		t.Errorf("expected min_stake 42 after round trip, got %d", loaded.Registry.MinStake)
	}
}
