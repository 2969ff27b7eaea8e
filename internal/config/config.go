// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageBolt     = "bolt"
)

type Config struct {
	Storage     string
	DatabaseURL string
	BoltPath    string

	RedisAddr         string
	RedisPassword     string
	CacheSyncInterval time.Duration

	HTTPAddr  string
	LogLevel  string
	LogFormat string
	DevSeed   bool

	MaxRecharge         decimal.Decimal
	StaleReservationTTL time.Duration
	SweepInterval       time.Duration

	BlackboxURL      string
	InferenceTimeout time.Duration

	// JWT verification is enabled when JWTSecret is set.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// Load reads the environment and applies defaults. STORAGE defaults to
// postgres when DATABASE_URL is set, memory otherwise.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   env("DATABASE_URL", ""),
		BoltPath:      env("BOLT_PATH", "tokenledger.db"),
		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: env("REDIS_PASSWORD", ""),
		HTTPAddr:      env("HTTP_ADDR", ":8080"),
		LogLevel:      env("LOG_LEVEL", "info"),
		LogFormat:     strings.ToLower(env("LOG_FORMAT", "json")),
		DevSeed:       truthy(env("DEV_SEED", "")),
		BlackboxURL:   strings.TrimRight(env("INFERENCE_BLACKBOX_URL", "http://localhost:8000"), "/"),
		JWTSecret:     env("JWT_HS256_SECRET", ""),
		JWTIssuer:     env("JWT_ISSUER", ""),
		JWTAudience:   env("JWT_AUDIENCE", ""),
	}

	cfg.Storage = strings.ToLower(env("STORAGE", ""))
	if cfg.Storage == "" {
		cfg.Storage = StorageMemory
		if cfg.DatabaseURL != "" {
			cfg.Storage = StoragePostgres
		}
	}
	switch cfg.Storage {
	case StorageMemory, StorageBolt:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required for STORAGE=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}

	var err error
	if cfg.MaxRecharge, err = decimal.NewFromString(env("MAX_RECHARGE", "10000")); err != nil || !cfg.MaxRecharge.IsPositive() {
		return nil, fmt.Errorf("invalid MAX_RECHARGE %q", os.Getenv("MAX_RECHARGE"))
	}
	if cfg.StaleReservationTTL, err = duration("STALE_RESERVATION_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = duration("SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.InferenceTimeout, err = duration("INFERENCE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheSyncInterval, err = duration("CACHE_SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
