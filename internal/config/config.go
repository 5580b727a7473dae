// Package config provides environment-aware configuration management for the
// gateway process.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	gwruntime "github.com/r3e-network/gridtokenx-gateway/internal/runtime"
)

// Environment represents the deployment environment.
type Environment = gwruntime.Environment

const (
	Development = gwruntime.Development
	Testing     = gwruntime.Testing
	Production  = gwruntime.Production
)

// Config holds all gateway configuration, loaded once at process start.
// Field defaults live in New(); envdecode overlays whatever the process
// environment sets on top of them.
type Config struct {
	Env Environment

	// Core external dependencies.
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	LedgerRPCURL string `env:"LEDGER_RPC_URL"`

	// Authority key: exactly one of these is set.
	AuthorityKeyPath   string `env:"AUTHORITY_KEY_PATH"`
	AuthorityKeyInline string `env:"AUTHORITY_KEY_INLINE"`

	TokenMintAddress string `env:"TOKEN_MINT_ADDRESS"`
	RecMintAddress   string `env:"REC_MINT_ADDRESS"`

	// Market/epoch tuning.
	EpochDurationSeconds int     `env:"EPOCH_DURATION_SECONDS"`
	MintThresholdKWh     float64 `env:"MINT_THRESHOLD_KWH"`

	SettlementRetryMax         int `env:"SETTLEMENT_RETRY_MAX"`
	SettlementRetryIntervalSec int `env:"SETTLEMENT_RETRY_INTERVAL_SEC"`

	LockTTLSec int `env:"LOCK_TTL_SEC"`

	EventBusSubscriberCapacity int `env:"EVENT_BUS_SUBSCRIBER_CAPACITY"`

	Port int `env:"PORT"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	// Security / HTTP.
	JWTSigningKey     string        `env:"JWT_SIGNING_KEY"`
	RateLimitEnabled  bool          `env:"RATE_LIMIT_ENABLED"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW"`
	CORSOriginsRaw    string        `env:"CORS_ALLOWED_ORIGINS"`

	// Database pool.
	DBMaxConnections int           `env:"DB_MAX_CONNECTIONS"`
	DBIdleTimeout    time.Duration `env:"DB_IDLE_TIMEOUT"`

	// Features.
	MetricsEnabled bool `env:"METRICS_ENABLED"`
	MetricsPort    int  `env:"METRICS_PORT"`
}

// CORSOrigins splits the comma-separated CORS_ALLOWED_ORIGINS value.
func (c *Config) CORSOrigins() []string {
	return strings.Split(c.CORSOriginsRaw, ",")
}

// New returns a Config seeded with defaults, before any environment
// overlay (the teacher's own config.New()/envdecode.Decode() split).
func New(env Environment) *Config {
	return &Config{
		Env:                        env,
		EpochDurationSeconds:       900,
		MintThresholdKWh:           1.0,
		SettlementRetryMax:         3,
		SettlementRetryIntervalSec: 5,
		LockTTLSec:                 30,
		EventBusSubscriberCapacity: 1000,
		Port:                       8080,
		LogLevel:                   "info",
		LogFormat:                  "json",
		RateLimitEnabled:           true,
		RateLimitRequests:          100,
		RateLimitWindow:            time.Minute,
		CORSOriginsRaw:             "*",
		DBMaxConnections:           20,
		DBIdleTimeout:              5 * time.Minute,
		MetricsEnabled:             env != Production,
		MetricsPort:                9090,
	}
}

// Load loads configuration based on the MARKET_ENV environment variable,
// optionally overlaying a config/<env>.env file, then decodes process
// environment variables over the defaults via envdecode.
func Load() (*Config, error) {
	env := gwruntime.Env()

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	_ = godotenv.Load(configFile)

	cfg := New(env)
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of its tagged fields are present in the
		// environment; treat that as "no overrides" so defaults-only runs work.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	if err := cfg.requiredFields(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) requiredFields() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required")
	}
	switch {
	case c.AuthorityKeyPath == "" && c.AuthorityKeyInline == "":
		return fmt.Errorf("exactly one of AUTHORITY_KEY_PATH or AUTHORITY_KEY_INLINE is required")
	case c.AuthorityKeyPath != "" && c.AuthorityKeyInline != "":
		return fmt.Errorf("only one of AUTHORITY_KEY_PATH or AUTHORITY_KEY_INLINE may be set")
	}
	if c.TokenMintAddress == "" {
		return fmt.Errorf("TOKEN_MINT_ADDRESS is required")
	}
	if c.RecMintAddress == "" {
		return fmt.Errorf("REC_MINT_ADDRESS is required")
	}
	if c.EpochDurationSeconds <= 0 {
		return fmt.Errorf("EPOCH_DURATION_SECONDS must be positive")
	}
	if c.MintThresholdKWh <= 0 {
		return fmt.Errorf("MINT_THRESHOLD_KWH must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate applies cross-field and environment-specific validation beyond
// what requiredFields already enforces per-field.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required in production")
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.SettlementRetryMax < 0 {
		return fmt.Errorf("SETTLEMENT_RETRY_MAX must be non-negative")
	}
	if c.LockTTLSec <= 0 {
		return fmt.Errorf("LOCK_TTL_SEC must be positive")
	}
	if c.EventBusSubscriberCapacity <= 0 {
		return fmt.Errorf("EVENT_BUS_SUBSCRIBER_CAPACITY must be positive")
	}

	return nil
}
