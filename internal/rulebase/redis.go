package rulebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cf-diagnosis-engine/internal/domain"
)

const redisKeyPrefix = "cfdiag:"

// RedisSnapshotCache stores rule-base snapshots in Redis. It is the shared
// second cache tier behind CachedRuleBase.
type RedisSnapshotCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// cachedSnapshot is the stored value with its cache metadata.
type cachedSnapshot struct {
	Data      *Snapshot `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRedisSnapshotCache connects to Redis and verifies the connection.
func NewRedisSnapshotCache(config domain.CacheConfig) (*RedisSnapshotCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisSnapshotCacheFromClient(client, config.DefaultTTL), nil
}

// NewRedisSnapshotCacheFromClient wraps an existing client.
func NewRedisSnapshotCacheFromClient(client *redis.Client, defaultTTL time.Duration) *RedisSnapshotCache {
	return &RedisSnapshotCache{redis: client, defaultTTL: defaultTTL}
}

// GetSnapshot returns the snapshot stored under key. Corrupt or expired
// entries are removed and reported as a miss.
func (c *RedisSnapshotCache) GetSnapshot(ctx context.Context, key string) (*Snapshot, bool, error) {
	key = redisKeyPrefix + key

	val, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var cached cachedSnapshot
	if err := json.Unmarshal(val, &cached); err != nil || cached.Data == nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if !cached.ExpiresAt.IsZero() && time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Data, true, nil
}

// SetSnapshot stores snap under key. A zero ttl uses the default TTL; if that
// is zero too the entry does not expire.
func (c *RedisSnapshotCache) SetSnapshot(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	cached := cachedSnapshot{Data: snap, CachedAt: now}
	if ttl > 0 {
		cached.ExpiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.redis.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

// DeleteSnapshot removes the snapshot stored under key.
func (c *RedisSnapshotCache) DeleteSnapshot(ctx context.Context, key string) error {
	return c.redis.Del(ctx, redisKeyPrefix+key).Err()
}

// Close closes the Redis client.
func (c *RedisSnapshotCache) Close() error {
	return c.redis.Close()
}
