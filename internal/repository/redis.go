package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
)

const rateLimitPrefix = "digest:ratelimit:"

// RedisCache implements Cache using go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials Redis per cfg and verifies connectivity.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Msg("connected to redis cache")
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get key %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set key %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx key %s: %w", key, err)
	}
	return ok, nil
}

// IncrementRateLimit atomically increments key's counter, setting its
// expiry on first increment, via a Lua script so the two redis calls
// can't race under concurrent webhook deliveries.
func (c *RedisCache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := rateLimitPrefix + key
	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)
	result, err := script.Run(ctx, c.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment rate limit for %s: %w", key, err)
	}
	return result, nil
}

// NullCache is a no-op Cache for local development without Redis.
type NullCache struct{}

func NewNullCache() *NullCache {
	log.Warn().Msg("using null cache, rate limiting is disabled")
	return &NullCache{}
}

func (c *NullCache) Close() error { return nil }

func (c *NullCache) Get(ctx context.Context, key string) (string, error) { return "", ErrNotFound }

func (c *NullCache) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }

func (c *NullCache) Delete(ctx context.Context, key string) error { return nil }

func (c *NullCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (c *NullCache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 1, nil
}
