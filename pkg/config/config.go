// Package config loads the engine configuration from YAML with environment
// fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration
type Config struct {
	// Registry Configuration
	Registry RegistryConfig `yaml:"registry"`

	// Marketplace Configuration
	Market MarketConfig `yaml:"market"`

	// Economics Configuration
	Economics EconomicsConfig `yaml:"economics"`

	// Reputation Configuration
	Reputation ReputationConfig `yaml:"reputation"`

	// Store Configuration
	Store StoreConfig `yaml:"store"`

	// Ledger Configuration
	Ledger LedgerConfig `yaml:"ledger"`

	// Sweep Configuration
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Observability Configuration
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// RegistryConfig holds agent registry settings
type RegistryConfig struct {
	MinStake int64 `yaml:"min_stake"`
}

// MarketConfig holds marketplace settings
type MarketConfig struct {
	Reserve          int64         `yaml:"reserve"`
	MinReputation    float64       `yaml:"min_reputation"`
	PriceWeight      float64       `yaml:"price_weight"`
	ReputationWeight float64       `yaml:"reputation_weight"`
	ListingTTL       time.Duration `yaml:"listing_ttl"`
}

// EconomicsConfig holds collateral and slashing settings, in basis points
type EconomicsConfig struct {
	CollateralBps int64 `yaml:"collateral_bps"`
	PenaltyBps    int64 `yaml:"penalty_bps"`
}

// ReputationConfig holds score decay settings
type ReputationConfig struct {
	HalfLife time.Duration `yaml:"half_life"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig holds settlement retry settings
type LedgerConfig struct {
	MaxTries      uint          `yaml:"max_tries"`
	MaxPolls      int           `yaml:"max_polls"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{MinStake: 1_000},
		Market: MarketConfig{
			Reserve:          500,
			MinReputation:    -0.5,
			PriceWeight:      0.5,
			ReputationWeight: 0.5,
			ListingTTL:       24 * time.Hour,
		},
		Economics: EconomicsConfig{
			CollateralBps: 1_000,
			PenaltyBps:    2_000,
		},
		Reputation: ReputationConfig{HalfLife: 7 * 24 * time.Hour},
		Store:      StoreConfig{Backend: "memory"},
		Ledger: LedgerConfig{
			MaxTries:      5,
			MaxPolls:      30,
			PollInterval:  time.Second,
			RatePerSecond: 50,
			Burst:         10,
		},
		SweepInterval: time.Minute,
		MetricsPort:   9090,
		EnableMetrics: true,
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Connection settings may come from the environment instead.
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = os.Getenv("AGORA_REDIS_ADDR")
	}
	if cfg.Store.Redis.Password == "" {
		cfg.Store.Redis.Password = os.Getenv("AGORA_REDIS_PASSWORD")
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Registry.MinStake <= 0 {
		return fmt.Errorf("registry.min_stake must be positive")
	}
	if c.Market.Reserve < 0 {
		return fmt.Errorf("market.reserve must not be negative")
	}
	if c.Market.ListingTTL <= 0 {
		return fmt.Errorf("market.listing_ttl must be positive")
	}
	if c.Economics.CollateralBps < 0 || c.Economics.CollateralBps > 10_000 {
		return fmt.Errorf("economics.collateral_bps must be within [0, 10000]")
	}
	if c.Economics.PenaltyBps < 0 || c.Economics.PenaltyBps > 10_000 {
		return fmt.Errorf("economics.penalty_bps must be within [0, 10000]")
	}
	if c.Reputation.HalfLife <= 0 {
		return fmt.Errorf("reputation.half_life must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
