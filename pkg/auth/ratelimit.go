package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter checks whether a request should be allowed for an identity.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	// RequestsPerMinute is the sustained rate. Zero or negative disables
	// limiting for the tier.
	RequestsPerMinute int

	// Burst is the number of requests allowed at once. Defaults to
	// RequestsPerMinute/10, at least 1.
	Burst int
}

func (c TierConfig) limit() (rate.Limit, int) {
	burst := c.Burst
	if burst <= 0 {
		burst = max(c.RequestsPerMinute/10, 1)
	}
	return rate.Every(time.Minute / time.Duration(c.RequestsPerMinute)), burst
}

// TokenBucketLimiter keeps one token bucket per subject and tier. Idle
// buckets are dropped by Sweep.
type TokenBucketLimiter struct {
	tiers       map[string]TierConfig
	defaultTier TierConfig

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter creates a limiter with per-tier settings. Identities
// whose tier is not listed use defaultTier.
func NewTokenBucketLimiter(tiers map[string]TierConfig, defaultTier TierConfig) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		tiers:       tiers,
		defaultTier: defaultTier,
		visitors:    make(map[string]*visitor),
		now:         time.Now,
	}
}

// Allow consumes one token for the identity's bucket.
func (l *TokenBucketLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.Tier()
	cfg, ok := l.tiers[tier]
	if !ok {
		cfg = l.defaultTier
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		limit, burst := cfg.limit()
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	if !v.limiter.AllowN(now, 1) {
		return ErrTooManyRequests
	}
	return nil
}

// Sweep drops buckets not used for longer than idle and returns how many
// were removed.
func (l *TokenBucketLimiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx ends.
func (l *TokenBucketLimiter) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(idle)
		}
	}
}
