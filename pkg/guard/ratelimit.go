package guard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RatePolicy describes a per-key limit.
type RatePolicy struct {
	PerMinute int
	Burst     int
}

// LimiterStore abstracts the storage for rate limiting buckets, so the
// daemon can run single-instance (in memory) or fleet-wide (Redis).
type LimiterStore interface {
	// Allow checks whether 'cost' tokens can be consumed for the key.
	Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error)
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clock      func() time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int, clock func() time.Time) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: clock(),
		clock:      clock,
	}
}

func (tb *TokenBucket) Take(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore keeps buckets in process memory. Suitable for
// the default single-daemon deployment.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	clock   func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*TokenBucket), clock: time.Now}
}

// NewInMemoryLimiterStoreWithClock is for tests that need deterministic
// refill behavior.
func NewInMemoryLimiterStoreWithClock(clock func() time.Time) *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*TokenBucket), clock: clock}
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	s.mu.Lock()
	tb, exists := s.buckets[key]
	if !exists {
		rate := float64(policy.PerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = policy.PerMinute
		}
		tb = NewTokenBucket(rate, burst, s.clock)
		s.buckets[key] = tb
	}
	s.mu.Unlock()

	return tb.Take(cost), nil
}

// ActionLimiter enforces per-action rate limits declared in module
// manifests. Keys are module.action; an action with no declared limit
// always passes.
type ActionLimiter struct {
	store LimiterStore

	mu     sync.RWMutex
	limits map[string]int // module.action -> per-minute limit
}

func NewActionLimiter(store LimiterStore) *ActionLimiter {
	return &ActionLimiter{store: store, limits: make(map[string]int)}
}

// SetLimit registers a per-minute limit for module.action. A limit of
// zero removes it.
func (l *ActionLimiter) SetLimit(moduleID, actionName string, perMinute int) {
	key := moduleID + "." + actionName
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute <= 0 {
		delete(l.limits, key)
		return
	}
	l.limits[key] = perMinute
}

// Check consumes one token for the action, returning RateLimitedError
// when the bucket is exhausted.
func (l *ActionLimiter) Check(ctx context.Context, moduleID, actionName string) error {
	key := moduleID + "." + actionName
	l.mu.RLock()
	limit, ok := l.limits[key]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	allowed, err := l.store.Allow(ctx, key, RatePolicy{PerMinute: limit, Burst: limit}, 1)
	if err != nil {
		return fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	if !allowed {
		return &RateLimitedError{Key: key, Limit: limit}
	}
	return nil
}

// Limits returns a copy of the registered limits.
func (l *ActionLimiter) Limits() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.limits))
	for k, v := range l.limits {
		out[k] = v
	}
	return out
}
