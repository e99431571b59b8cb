// Package config provides configuration management for the application.
// Values come from environment variables, with an optional .env file
// loaded first for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"creditledger/internal/storage"
)

// DefaultBodySizeLimit is the default maximum HTTP request body size (1MB).
const DefaultBodySizeLimit int64 = 1 << 20

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Storage storage.Config
	Redis   RedisConfig
	Rates   RatesConfig
	Balance BalanceConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Port the HTTP server listens on (default: 8080)
	Port string
	// MetricsEnabled exposes the Prometheus /metrics endpoint
	MetricsEnabled bool
	// MetricsEndpoint is the HTTP path for metrics (default: /metrics)
	MetricsEndpoint string
	// BodySizeLimit is the max request body size in bytes
	BodySizeLimit int64
}

// RedisConfig holds the optional Redis connection for the shared rate
// table cache. An empty URL disables it.
type RedisConfig struct {
	URL string
}

// RatesConfig holds rate table configuration
type RatesConfig struct {
	// TablePath points at a YAML rate table. Empty means the cached
	// or built-in table is used.
	TablePath string
}

// BalanceConfig holds balance tracking configuration
type BalanceConfig struct {
	// Enabled controls whether usage transactions adjust balances.
	// Transactions are always logged regardless.
	Enabled bool
}

// LoggingConfig holds log output configuration
type LoggingConfig struct {
	// Format is "json" or "pretty" (default: json)
	Format string
	// Level is "debug", "info", "warn" or "error" (default: info)
	Level string
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	// Optional, won't fail if not found
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("CREDITLEDGER_PORT", "8080"),
			MetricsEnabled:  getBool("CREDITLEDGER_METRICS_ENABLED", true),
			MetricsEndpoint: getEnv("CREDITLEDGER_METRICS_ENDPOINT", "/metrics"),
			BodySizeLimit:   getInt64("CREDITLEDGER_BODY_SIZE_LIMIT", DefaultBodySizeLimit),
		},
		Storage: storage.Config{
			Type: getEnv("CREDITLEDGER_STORAGE_TYPE", storage.TypeSQLite),
			SQLite: storage.SQLiteConfig{
				Path: getEnv("CREDITLEDGER_SQLITE_PATH", "data/creditledger.db"),
			},
			PostgreSQL: storage.PostgreSQLConfig{
				URL:      getEnv("CREDITLEDGER_POSTGRES_URL", ""),
				MaxConns: int(getInt64("CREDITLEDGER_POSTGRES_MAX_CONNS", 10)),
			},
			MongoDB: storage.MongoDBConfig{
				URL:      getEnv("CREDITLEDGER_MONGODB_URL", ""),
				Database: getEnv("CREDITLEDGER_MONGODB_DATABASE", "creditledger"),
			},
		},
		Redis: RedisConfig{
			URL: getEnv("CREDITLEDGER_REDIS_URL", ""),
		},
		Rates: RatesConfig{
			TablePath: getEnv("CREDITLEDGER_RATE_TABLE", ""),
		},
		Balance: BalanceConfig{
			Enabled: getBool("CREDITLEDGER_BALANCE_ENABLED", true),
		},
		Logging: LoggingConfig{
			Format: getEnv("CREDITLEDGER_LOG_FORMAT", "json"),
			Level:  getEnv("CREDITLEDGER_LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case storage.TypeSQLite, storage.TypePostgreSQL, storage.TypeMongoDB:
	default:
		return fmt.Errorf("invalid CREDITLEDGER_STORAGE_TYPE: %s", c.Storage.Type)
	}
	if c.Storage.Type == storage.TypePostgreSQL && c.Storage.PostgreSQL.URL == "" {
		return fmt.Errorf("CREDITLEDGER_POSTGRES_URL is required for postgresql storage")
	}
	if c.Storage.Type == storage.TypeMongoDB && c.Storage.MongoDB.URL == "" {
		return fmt.Errorf("CREDITLEDGER_MONGODB_URL is required for mongodb storage")
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("invalid CREDITLEDGER_LOG_FORMAT: %s (valid: json, pretty)", c.Logging.Format)
	}
	return nil
}

// getEnv returns the value of key, or fallback when unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getBool parses key as a boolean, returning fallback when unset or
// unparsable.
func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getInt64 parses key as an integer, returning fallback when unset or
// unparsable.
func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
