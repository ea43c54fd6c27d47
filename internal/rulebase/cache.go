package rulebase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cf-diagnosis-engine/internal/domain"
)

const snapshotKey = "rulebase:snapshot"

// SnapshotStore is a shared cache tier for rule-base snapshots.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, key string) (*Snapshot, bool, error)
	SetSnapshot(ctx context.Context, key string, snap *Snapshot, ttl time.Duration) error
	DeleteSnapshot(ctx context.Context, key string) error
}

// CacheOptions configures a CachedRuleBase.
type CacheOptions struct {
	// TTL bounds how long a snapshot is served before the origin is read again.
	TTL time.Duration
	// RefreshQPS limits origin reads per second. Zero means unlimited.
	RefreshQPS float64
	Breaker    domain.BreakerConfig
	// Remote is an optional shared tier consulted before the origin.
	Remote SnapshotStore
}

// CachedRuleBase serves a rule base from cached snapshots. Origin reads are
// rate limited and guarded by a circuit breaker; when the origin fails the
// last good snapshot is served.
type CachedRuleBase struct {
	origin  domain.RuleBase
	local   *expirable.LRU[string, *MemoryRuleBase]
	remote  SnapshotStore
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *logrus.Logger

	mu    sync.Mutex
	stale *MemoryRuleBase
}

// NewCachedRuleBase wraps origin with a snapshot cache.
func NewCachedRuleBase(origin domain.RuleBase, opts CacheOptions, logger *logrus.Logger) *CachedRuleBase {
	bc := opts.Breaker
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	if bc.Interval == 0 {
		bc.Interval = 60 * time.Second
	}
	if bc.Timeout == 0 {
		bc.Timeout = 30 * time.Second
	}
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = 3
	}

	limit := rate.Inf
	if opts.RefreshQPS > 0 {
		limit = rate.Limit(opts.RefreshQPS)
	}

	c := &CachedRuleBase{
		origin:  origin,
		local:   expirable.NewLRU[string, *MemoryRuleBase](1, nil, opts.TTL),
		remote:  opts.Remote,
		limiter: rate.NewLimiter(limit, 1),
		ttl:     opts.TTL,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "RuleBase",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return c
}

// Rules returns the rules of the current snapshot.
func (c *CachedRuleBase) Rules(ctx context.Context) ([]domain.Rule, error) {
	rb, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return rb.Rules(ctx)
}

// KnownSymptoms checks ids against the current snapshot.
func (c *CachedRuleBase) KnownSymptoms(ctx context.Context, ids []string) (map[string]bool, error) {
	rb, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return rb.KnownSymptoms(ctx, ids)
}

// Symptoms returns the symptoms of the current snapshot.
func (c *CachedRuleBase) Symptoms(ctx context.Context) ([]domain.Symptom, error) {
	rb, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return rb.Symptoms(ctx)
}

// Diseases returns the diseases of the current snapshot.
func (c *CachedRuleBase) Diseases(ctx context.Context) ([]domain.Disease, error) {
	rb, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return rb.Diseases(ctx)
}

// Invalidate drops the cached snapshot from both tiers. The last good snapshot
// is still kept as the fallback for origin failures.
func (c *CachedRuleBase) Invalidate(ctx context.Context) error {
	c.local.Remove(snapshotKey)
	if c.remote != nil {
		if err := c.remote.DeleteSnapshot(ctx, snapshotKey); err != nil {
			return fmt.Errorf("invalidating shared snapshot: %w", err)
		}
	}
	return nil
}

// BreakerState reports the origin circuit breaker state.
func (c *CachedRuleBase) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *CachedRuleBase) current(ctx context.Context) (*MemoryRuleBase, error) {
	if rb, ok := c.local.Get(snapshotKey); ok {
		return rb, nil
	}

	if c.remote != nil {
		snap, found, err := c.remote.GetSnapshot(ctx, snapshotKey)
		if err != nil {
			c.logger.WithError(err).Warn("Shared snapshot cache unavailable")
		} else if found {
			if rb, err := NewMemoryRuleBase(snap); err == nil {
				c.remember(rb)
				return rb, nil
			}
			c.logger.Warn("Discarding invalid shared snapshot")
		}
	}

	rb, err := c.fetch(ctx)
	if err != nil {
		if stale := c.lastGood(); stale != nil {
			c.logger.WithFields(logrus.Fields{
				"error":         err.Error(),
				"breaker_state": c.breaker.State().String(),
			}).Warn("Rule base origin unavailable, serving stale snapshot")
			return stale, nil
		}
		return nil, err
	}

	c.remember(rb)
	if c.remote != nil {
		if err := c.remote.SetSnapshot(ctx, snapshotKey, rb.Snapshot(), c.ttl); err != nil {
			c.logger.WithError(err).Warn("Failed to store shared snapshot")
		}
	}
	return rb, nil
}

func (c *CachedRuleBase) fetch(ctx context.Context) (*MemoryRuleBase, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rule base refresh: %w", err)
	}

	startTime := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		snap, err := Load(ctx, c.origin)
		if err != nil {
			return nil, err
		}
		return NewMemoryRuleBase(snap)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("rule base origin circuit open: %w", err)
		}
		return nil, fmt.Errorf("loading rule base: %w", err)
	}

	rb := result.(*MemoryRuleBase)
	c.logger.WithFields(logrus.Fields{
		"symptoms":    len(rb.snapshot.Symptoms),
		"diseases":    len(rb.snapshot.Diseases),
		"rules":       len(rb.snapshot.Rules),
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Debug("Rule base snapshot refreshed")
	return rb, nil
}

func (c *CachedRuleBase) remember(rb *MemoryRuleBase) {
	c.local.Add(snapshotKey, rb)
	c.mu.Lock()
	c.stale = rb
	c.mu.Unlock()
}

func (c *CachedRuleBase) lastGood() *MemoryRuleBase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}
