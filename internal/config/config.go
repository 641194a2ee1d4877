// Package config loads the broker engine configuration from a YAML file
// and applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the broker engine.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Quotes   Quotes   `yaml:"quotes"`
	Broker   Broker   `yaml:"broker"`

	ratio decimal.Decimal
}

// Server holds network listener configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Database holds the PostgreSQL connection for the live ledger store.
// When URL is empty the engine falls back to the in-memory store.
type Database struct {
	URL string `yaml:"url"`
}

// Redis configures the optional quote cache.
type Redis struct {
	URL             string `yaml:"url"`
	QuoteTTLSeconds int    `yaml:"quote_ttl_seconds"`
}

// QuoteTTL returns the cache expiry as a duration.
func (r Redis) QuoteTTL() time.Duration {
	if r.QuoteTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.QuoteTTLSeconds) * time.Second
}

// Quotes configures the upstream batch quote API.
type Quotes struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RequestTimeout returns the upstream request timeout as a duration.
func (q Quotes) RequestTimeout() time.Duration {
	if q.TimeoutSeconds <= 0 {
		return 25 * time.Second
	}
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// Broker holds the trading rule parameters.
type Broker struct {
	// MaxLiabilitiesRatio is the margin cap multiplier: a trade is
	// rejected when liabilities * ratio > assets. A decimal string so
	// the cap is never subject to float parsing.
	MaxLiabilitiesRatio string `yaml:"max_liabilities_ratio"`
}

// LiabilitiesRatio returns the parsed margin cap multiplier. Load
// validates it, so this is always positive.
func (c *Config) LiabilitiesRatio() decimal.Decimal {
	return c.ratio
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080"},
		Redis:  Redis{QuoteTTLSeconds: 30},
		Quotes: Quotes{
			BaseURL:        "https://api.iextrading.com/1.0",
			TimeoutSeconds: 25,
		},
		Broker: Broker{MaxLiabilitiesRatio: "2"},
	}
}

// Load reads the YAML configuration file at the given path, parses it into
// a Config, and then applies environment variable overrides. An empty path
// yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	ratio, err := decimal.NewFromString(cfg.Broker.MaxLiabilitiesRatio)
	if err != nil {
		return nil, fmt.Errorf("parse max_liabilities_ratio %q: %w",
			cfg.Broker.MaxLiabilitiesRatio, err)
	}
	if ratio.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("max_liabilities_ratio must be positive, got %s", ratio)
	}
	cfg.ratio = ratio

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("QUOTE_API_URL"); v != "" {
		cfg.Quotes.BaseURL = v
	}
	if v := os.Getenv("MAX_LIABILITIES_RATIO"); v != "" {
		cfg.Broker.MaxLiabilitiesRatio = v
	}
}
