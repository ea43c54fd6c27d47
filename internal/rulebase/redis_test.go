package rulebase

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cf-diagnosis-engine/internal/domain"
)

func getTestRedis(t *testing.T) *RedisSnapshotCache {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}

	cache, err := NewRedisSnapshotCache(domain.CacheConfig{
		RedisURL:   redisURL,
		DefaultTTL: time.Minute,
		PoolSize:   5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestRedisSnapshotCache_RoundTrip(t *testing.T) {
	cache := getTestRedis(t)
	ctx := context.Background()
	key := "test:" + t.Name()
	defer cache.DeleteSnapshot(ctx, key)

	snap := testSnapshot()
	require.NoError(t, snap.Validate())
	require.NoError(t, cache.SetSnapshot(ctx, key, snap, 0))

	got, found, err := cache.GetSnapshot(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap.Rules, got.Rules)

	require.NoError(t, cache.DeleteSnapshot(ctx, key))
	_, found, err = cache.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisSnapshotCache_BacksCachedRuleBase(t *testing.T) {
	cache := getTestRedis(t)
	ctx := context.Background()
	defer cache.DeleteSnapshot(ctx, snapshotKey)

	origin := newFlakyOrigin(t)
	logger, _ := test.NewNullLogger()
	cached := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute, Remote: cache}, logger)
	require.NoError(t, cached.Invalidate(ctx))

	rules, err := cached.Rules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	_, found, err := cache.GetSnapshot(ctx, snapshotKey)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestNewRedisSnapshotCache_BadURL(t *testing.T) {
	_, err := NewRedisSnapshotCache(domain.CacheConfig{RedisURL: "not a url"})
	assert.Error(t, err)
}
