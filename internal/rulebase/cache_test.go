package rulebase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cf-diagnosis-engine/internal/domain"
)

// flakyOrigin is a rule base whose reads can be made to fail.
type flakyOrigin struct {
	mu    sync.Mutex
	rb    *MemoryRuleBase
	err   error
	reads int
}

func newFlakyOrigin(t *testing.T) *flakyOrigin {
	rb, err := NewMemoryRuleBase(testSnapshot())
	require.NoError(t, err)
	return &flakyOrigin{rb: rb}
}

func (f *flakyOrigin) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyOrigin) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *flakyOrigin) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.err
}

func (f *flakyOrigin) Rules(ctx context.Context) ([]domain.Rule, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.rb.Rules(ctx)
}

func (f *flakyOrigin) KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.rb.KnownSymptoms(ctx, ids)
}

func (f *flakyOrigin) Symptoms(ctx context.Context) ([]domain.Symptom, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.rb.Symptoms(ctx)
}

func (f *flakyOrigin) Diseases(ctx context.Context) ([]domain.Disease, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.rb.Diseases(ctx)
}

// memorySnapshotStore is an in-process SnapshotStore.
type memorySnapshotStore struct {
	mu    sync.Mutex
	items map[string]*Snapshot
	err   error
	sets  int
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{items: make(map[string]*Snapshot)}
}

func (m *memorySnapshotStore) GetSnapshot(ctx context.Context, key string) (*Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	snap, ok := m.items[key]
	return snap.Clone(), ok, nil
}

func (m *memorySnapshotStore) SetSnapshot(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.items[key] = snap.Clone()
	return nil
}

func (m *memorySnapshotStore) DeleteSnapshot(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func TestCachedRuleBase_ServesFromCache(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	cached := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute}, logger)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rules, err := cached.Rules(ctx)
		require.NoError(t, err)
		assert.Len(t, rules, 3)
	}
	known, err := cached.KnownSymptoms(ctx, []string{"S1", "S9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"S1": true}, known)

	// One snapshot load reads symptoms, diseases and rules once each.
	assert.Equal(t, 3, origin.count())
}

func TestCachedRuleBase_Invalidate(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	cached := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute}, logger)
	ctx := context.Background()

	_, err := cached.Symptoms(ctx)
	require.NoError(t, err)
	require.NoError(t, cached.Invalidate(ctx))
	_, err = cached.Symptoms(ctx)
	require.NoError(t, err)

	assert.Equal(t, 6, origin.count())
}

func TestCachedRuleBase_StaleFallback(t *testing.T) {
	logger, hook := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	cached := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute}, logger)
	ctx := context.Background()

	_, err := cached.Rules(ctx)
	require.NoError(t, err)

	origin.fail(errors.New("connection refused"))
	require.NoError(t, cached.Invalidate(ctx))

	rules, err := cached.Rules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Rule base origin unavailable, serving stale snapshot" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestCachedRuleBase_NoSnapshotFails(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	boom := errors.New("connection refused")
	origin.fail(boom)
	cached := NewCachedRuleBase(origin, CacheOptions{}, logger)

	_, err := cached.Diseases(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestCachedRuleBase_BreakerOpens(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	origin.fail(errors.New("connection refused"))
	cached := NewCachedRuleBase(origin, CacheOptions{
		Breaker: domain.BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Hour},
	}, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cached.Rules(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cached.BreakerState())

	reads := origin.count()
	_, err := cached.Rules(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, reads, origin.count(), "open breaker must not reach the origin")
}

func TestCachedRuleBase_SharedTier(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	shared := newMemorySnapshotStore()
	ctx := context.Background()

	first := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute, Remote: shared}, logger)
	_, err := first.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, shared.sets)

	// A second instance is populated from the shared tier without touching the origin.
	before := origin.count()
	second := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute, Remote: shared}, logger)
	rules, err := second.Rules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 3)
	assert.Equal(t, before, origin.count())
}

func TestCachedRuleBase_SharedTierUnavailable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	shared := newMemorySnapshotStore()
	shared.err = errors.New("redis down")

	cached := NewCachedRuleBase(origin, CacheOptions{Remote: shared}, logger)
	symptoms, err := cached.Symptoms(context.Background())
	require.NoError(t, err)
	assert.Len(t, symptoms, 3)
}

func TestCachedRuleBase_Concurrent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	origin := newFlakyOrigin(t)
	cached := NewCachedRuleBase(origin, CacheOptions{TTL: time.Minute, RefreshQPS: 100}, logger)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rules, err := cached.Rules(ctx)
			assert.NoError(t, err)
			assert.Len(t, rules, 3)
		}()
	}
	wg.Wait()
}
