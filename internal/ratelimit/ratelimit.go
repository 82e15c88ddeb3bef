// Package ratelimit enforces the per-user request limits: fixed-window rate
// limits, tier limits, throttle queues, bandwidth windows and credit
// balances. All counters go through the policy cache so limits hold across
// gateway instances sharing a Redis backend.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
)

// Limiter enforces rate, tier and bandwidth limits.
type Limiter struct {
	cache cache.Cache
	now   func() time.Time
}

// NewLimiter creates a Limiter over the policy cache.
func NewLimiter(c cache.Cache) *Limiter {
	return &Limiter{cache: c, now: time.Now}
}

// windowKey buckets a counter into its current fixed window: the window start
// is floor(now/W)*W, so every instance agrees on bucket boundaries.
func windowKey(prefix, username string, now time.Time, window time.Duration) string {
	start := now.Unix() - now.Unix()%int64(window/time.Second)
	return fmt.Sprintf("%s:%s:%d", prefix, username, start)
}

// AllowRate counts the request against the user's fixed window and rejects
// once the count exceeds the limit. Users without a rate limit always pass.
func (l *Limiter) AllowRate(ctx context.Context, user *gateway.User) error {
	if !user.RateLimitEnabled || user.RateLimit <= 0 {
		return nil
	}
	window := time.Duration(user.RateLimitWindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := windowKey("rate", user.Username, l.now(), window)
	n, err := l.cache.Incr(ctx, cache.NSRateLimit, key, window)
	if err != nil {
		return gateway.Wrap(gateway.ErrInternal, err)
	}
	if n > user.RateLimit {
		return gateway.ErrRateLimited
	}
	return nil
}

// AllowTier enforces the tier requests-per-minute ceiling. It runs before the
// per-user limit, so when both apply the more restrictive one wins.
func (l *Limiter) AllowTier(ctx context.Context, username string, tier *gateway.Tier) error {
	if tier == nil || tier.RequestsPerMinute <= 0 {
		return nil
	}
	key := windowKey("tier:"+tier.ID, username, l.now(), time.Minute)
	n, err := l.cache.Incr(ctx, cache.NSRateLimit, key, time.Minute)
	if err != nil {
		return gateway.Wrap(gateway.ErrInternal, err)
	}
	if n > tier.RequestsPerMinute {
		return gateway.ErrRateLimited
	}
	return nil
}

// AllowBandwidth pre-checks the user's byte budget for the current window.
// contentLength is the declared request size; the response size is charged
// afterwards through AddBandwidth.
func (l *Limiter) AllowBandwidth(ctx context.Context, user *gateway.User, contentLength int64) error {
	if !user.BandwidthEnabled || user.BandwidthLimit <= 0 {
		return nil
	}
	window := time.Duration(user.BandwidthWindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := windowKey("bw", user.Username, l.now(), window)
	used, _ := l.cache.Counter(ctx, cache.NSBandwidth, key)
	if contentLength < 0 {
		contentLength = 0
	}
	if used+contentLength > user.BandwidthLimit {
		return gateway.ErrBandwidthLimited
	}
	return nil
}

// AddBandwidth charges consumed bytes against the user's current window.
func (l *Limiter) AddBandwidth(ctx context.Context, user *gateway.User, n int64) {
	if !user.BandwidthEnabled || user.BandwidthLimit <= 0 || n <= 0 {
		return
	}
	window := time.Duration(user.BandwidthWindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := windowKey("bw", user.Username, l.now(), window)
	l.cache.IncrBy(ctx, cache.NSBandwidth, key, n, window) //nolint:errcheck
}
