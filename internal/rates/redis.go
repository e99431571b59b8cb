package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the default key used to store the rate table in Redis.
	DefaultRedisKey = "creditledger:rates"

	// DefaultRedisTTL is the default time-to-live for the cached table.
	// Stale tables eventually expire if no instance refreshes them.
	DefaultRedisTTL = 24 * time.Hour
)

// RedisConfig holds Redis connection configuration for the table cache.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g. "redis://localhost:6379").
	URL string

	// Key is the Redis key holding the table (defaults to "creditledger:rates").
	Key string

	// TTL is the time-to-live for the cached table (defaults to 24 hours).
	TTL time.Duration
}

// RedisCache implements TableCache over Redis, suitable for multi-instance
// deployments where every instance must price usage identically.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed table cache and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultRedisTTL
	}

	slog.Info("redis rate table cache connected", "key", key, "ttl", ttl)

	return &RedisCache{
		client: client,
		key:    key,
		ttl:    ttl,
	}, nil
}

// Get retrieves the rate table from Redis.
func (c *RedisCache) Get(ctx context.Context) (*Table, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // No table cached yet, not an error
		}
		return nil, fmt.Errorf("failed to get rate table from redis: %w", err)
	}

	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rate table from redis: %w", err)
	}

	return &table, nil
}

// Set stores the rate table in Redis.
func (c *RedisCache) Set(ctx context.Context, table *Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal rate table: %w", err)
	}

	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rate table in redis: %w", err)
	}

	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
