// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Network holds the chain settings for one named network. A network is
// considered configured when it has an RPC URL; the escrow contract address
// may still be missing, which surfaces as a configuration error on use.
type Network struct {
	Name           string
	RPCURL         string
	ChainID        int64
	EscrowContract string
	TokenA         string // discount token A (ERC-20)
	TokenB         string // discount token B (ERC-20)
}

// Config holds all application configuration.
type Config struct {
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// DatabaseURL selects PostgreSQL; empty means in-memory storage.
	DatabaseURL string

	AdminSecret  string
	OTLPEndpoint string

	// HTTP edge
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	DefaultNetwork string
	Networks       map[string]Network

	// Chain RPC behaviour
	RPCTimeout       time.Duration
	RPCMaxAttempts   int
	RPCBaseDelay     time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	MaxBlockSpan     uint64

	// Background reconciliation
	SyncInterval   time.Duration
	SyncWorkers    int
	SyncStaleAfter time.Duration
	SyncBatchSize  int
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultNetworkName      = "testnet"
	DefaultRPCTimeout       = 12 * time.Second
	DefaultRPCMaxAttempts   = 3
	DefaultRPCBaseDelay     = 500 * time.Millisecond
	DefaultBreakerThreshold = 5
	DefaultBreakerOpenFor   = 30 * time.Second
	DefaultMaxBlockSpan     = 5000
	DefaultSyncInterval     = 30 * time.Second
	DefaultSyncWorkers      = 4
	DefaultSyncStaleAfter   = 10 * time.Minute
	DefaultSyncBatchSize    = 100
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
)

// KnownNetworks are the env prefixes scanned for chain settings.
var KnownNetworks = []string{"mainnet", "testnet"}

// Load reads configuration from the environment, loading .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        os.Getenv("LOG_FORMAT"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DefaultNetwork:   strings.ToLower(getEnv("DEFAULT_NETWORK", DefaultNetworkName)),
		Networks:         make(map[string]Network),
		RPCTimeout:       getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		RPCMaxAttempts:   int(getEnvInt64("RPC_MAX_ATTEMPTS", DefaultRPCMaxAttempts)),
		RPCBaseDelay:     getEnvDuration("RPC_BASE_DELAY", DefaultRPCBaseDelay),
		BreakerThreshold: int(getEnvInt64("RPC_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenFor:   getEnvDuration("RPC_BREAKER_OPEN_FOR", DefaultBreakerOpenFor),
		MaxBlockSpan:     uint64(getEnvInt64("EVENTS_MAX_BLOCK_SPAN", DefaultMaxBlockSpan)), //nolint:gosec // validated positive
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", DefaultSyncInterval),
		SyncWorkers:      int(getEnvInt64("SYNC_WORKERS", DefaultSyncWorkers)),
		SyncStaleAfter:   getEnvDuration("SYNC_STALE_AFTER", DefaultSyncStaleAfter),
		SyncBatchSize:    int(getEnvInt64("SYNC_BATCH_SIZE", DefaultSyncBatchSize)),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:   int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	for _, name := range KnownNetworks {
		prefix := strings.ToUpper(name) + "_"
		rpc := os.Getenv(prefix + "RPC_URL")
		if rpc == "" {
			continue
		}
		cfg.Networks[name] = Network{
			Name:           name,
			RPCURL:         rpc,
			ChainID:        getEnvInt64(prefix+"CHAIN_ID", 0),
			EscrowContract: os.Getenv(prefix + "ESCROW_CONTRACT"),
			TokenA:         os.Getenv(prefix + "TOKEN_A_CONTRACT"),
			TokenB:         os.Getenv(prefix + "TOKEN_B_CONTRACT"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, ok := c.Networks[c.DefaultNetwork]; !ok {
		return fmt.Errorf("DEFAULT_NETWORK %q has no %s_RPC_URL", c.DefaultNetwork, strings.ToUpper(c.DefaultNetwork))
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}
	if c.MaxBlockSpan == 0 {
		return fmt.Errorf("EVENTS_MAX_BLOCK_SPAN must be positive")
	}
	return nil
}

// NetworkNames returns the configured network names in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for n := range c.Networks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
