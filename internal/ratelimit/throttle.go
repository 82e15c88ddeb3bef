package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	gateway "github.com/eugener/heimdall/internal"
)

// Throttler bounds per-user concurrency. Each user gets a weighted semaphore
// of queue_limit slots; a request that cannot take a slot within the
// configured wait is rejected rather than queued indefinitely.
type Throttler struct {
	mu    sync.Mutex
	slots map[string]*userSlots
}

type userSlots struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewThrottler creates an empty Throttler.
func NewThrottler() *Throttler {
	return &Throttler{slots: make(map[string]*userSlots)}
}

// Acquire takes a concurrency slot for the user, waiting up to the user's
// configured wait. The returned release function must be called when the
// request finishes; it is non-nil even when throttling is disabled.
func (t *Throttler) Acquire(ctx context.Context, user *gateway.User) (release func(), err error) {
	if !user.ThrottleEnabled || user.ThrottleQueueLimit <= 0 {
		return func() {}, nil
	}

	t.mu.Lock()
	s, ok := t.slots[user.Username]
	if !ok || s.limit != user.ThrottleQueueLimit {
		// First sight of the user, or the limit changed: start fresh.
		// In-flight holders of the old semaphore release into it harmlessly.
		s = &userSlots{
			sem:   semaphore.NewWeighted(user.ThrottleQueueLimit),
			limit: user.ThrottleQueueLimit,
		}
		t.slots[user.Username] = s
	}
	t.mu.Unlock()

	wait := time.Duration(user.ThrottleWaitMs) * time.Millisecond
	if wait <= 0 {
		// No grace: reject immediately when saturated.
		if !s.sem.TryAcquire(1) {
			return nil, gateway.ErrThrottled
		}
		return func() { s.sem.Release(1) }, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, gateway.ErrThrottled
	}
	return func() { s.sem.Release(1) }, nil
}
