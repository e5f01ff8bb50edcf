package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaledger-go/pkg/metrics"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache is a read-through cache for read-mostly reference data (the plan
// catalog). Account balances are never cached: the balance that decides an
// operation is always the one read inside the atomic statement.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache implements Cache on go-redis with JSON encoding.
type RedisCache struct {
	client *redis.Client
	name   string
	prefix string
}

func NewRedisCache(client *redis.Client, name string) *RedisCache {
	return &RedisCache{
		client: client,
		name:   name,
		prefix: name + ":",
	}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get error: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache decode error: %w", err)
	}

	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode error: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefix + k
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}
