// Package config loads edgestack configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Environment overrides, applied after the file is read.
const (
	EnvLogLevel  = "EDGESTACK_LOG_LEVEL"
	EnvLedgerDSN = "EDGESTACK_LEDGER_DSN"
	EnvRedisURL  = "EDGESTACK_REDIS_URL"
)

// Config is the top-level configuration.
type Config struct {
	Pipeline scoring.Config    `yaml:"pipeline"`
	Risk     policy.RiskConfig `yaml:"risk"`
	Backtest backtest.Config   `yaml:"backtest"`
	Ledger   LedgerConfig      `yaml:"ledger"`
	Domains  []features.Domain `yaml:"domains"` // registered in addition to the built-in domains
	Server   ServerConfig      `yaml:"server"`
	Log      LogConfig         `yaml:"log"`
}

// LedgerConfig configures the live ledger.
type LedgerConfig struct {
	DSN            string `yaml:"dsn"`             // sqlite path or postgres:// url
	InitialBalance string `yaml:"initial_balance"` // seeds an empty ledger
}

// ServerConfig configures `edgestack serve`.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	RedisURL     string `yaml:"redis_url"` // empty disables the Redis stream publisher
	StreamPrefix string `yaml:"stream_prefix"`
	StreamMaxLen int64  `yaml:"stream_max_len"`

	// RateLimit caps /v1 requests per second; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// ValidationError reports an invalid configuration section.
type ValidationError struct {
	Section string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %v", e.Section, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Pipeline: scoring.DefaultConfig(),
		Risk:     *policy.DefaultRiskConfig(),
		Backtest: *backtest.DefaultConfig(),
		Ledger: LedgerConfig{
			DSN:            "edgestack.db",
			InitialBalance: "10000",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			StreamPrefix: "edgestack.events",
			StreamMaxLen: 10000,
			RateLimit:    50,
			RateBurst:    100,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := Parse(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLedgerDSN); v != "" {
		c.Ledger.DSN = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Server.RedisURL = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return &ValidationError{Section: "pipeline", Err: err}
	}
	if err := c.Risk.Validate(); err != nil {
		return &ValidationError{Section: "risk", Err: err}
	}
	if err := c.Backtest.Validate(); err != nil {
		return &ValidationError{Section: "backtest", Err: err}
	}
	if _, _, err := ledger.ParseDSN(c.Ledger.DSN); err != nil {
		return &ValidationError{Section: "ledger", Err: err}
	}
	if _, err := c.LedgerInitialBalance(); err != nil {
		return &ValidationError{Section: "ledger", Err: err}
	}
	if _, err := c.Registry(); err != nil {
		return &ValidationError{Section: "domains", Err: err}
	}
	if c.Server.RateLimit < 0 {
		return &ValidationError{Section: "server", Err: fmt.Errorf("rate_limit must be non-negative, got %v", c.Server.RateLimit)}
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return &ValidationError{Section: "server", Err: fmt.Errorf("rate_burst must be at least 1 when rate_limit is set, got %d", c.Server.RateBurst)}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return &ValidationError{Section: "log", Err: fmt.Errorf("unknown format %q (want console or json)", c.Log.Format)}
	}
	return nil
}

// LedgerInitialBalance parses Ledger.InitialBalance.
func (c *Config) LedgerInitialBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Ledger.InitialBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("initial_balance %q: %w", c.Ledger.InitialBalance, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("initial_balance must be positive")
	}
	return d, nil
}

// Registry returns the built-in domains plus the configured ones.
// A configured domain with a built-in name replaces it.
func (c *Config) Registry() (*features.Registry, error) {
	domains := features.DefaultDomains()
	for _, d := range c.Domains {
		replaced := false
		for i := range domains {
			if domains[i].Name == d.Name {
				domains[i] = d
				replaced = true
			}
		}
		if !replaced {
			domains = append(domains, d)
		}
	}
	return features.NewRegistry(domains...)
}

// Extractor returns a feature extractor over Registry.
func (c *Config) Extractor() (*features.Extractor, error) {
	r, err := c.Registry()
	if err != nil {
		return nil, err
	}
	return features.NewExtractor(r), nil
}
