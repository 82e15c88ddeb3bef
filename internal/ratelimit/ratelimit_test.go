package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
)

func limitedUser(limit, windowS int64) *gateway.User {
	return &gateway.User{
		Username:         "bob",
		RateLimitEnabled: true,
		RateLimit:        limit,
		RateLimitWindowS: windowS,
	}
}

func TestLimiter_AllowRate(t *testing.T) {
	t.Parallel()
	l := NewLimiter(cache.NewMemory(100))
	ctx := context.Background()
	user := limitedUser(3, 60)

	for i := range 3 {
		if err := l.AllowRate(ctx, user); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := l.AllowRate(ctx, user); !errors.Is(err, gateway.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_RateWindowRolls(t *testing.T) {
	t.Parallel()
	l := NewLimiter(cache.NewMemory(100))
	ctx := context.Background()
	user := limitedUser(1, 60)

	base := time.Unix(1_700_000_000, 0) // window-aligned
	l.now = func() time.Time { return base }
	if err := l.AllowRate(ctx, user); err != nil {
		t.Fatal(err)
	}
	if err := l.AllowRate(ctx, user); !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Next window starts a fresh count.
	l.now = func() time.Time { return base.Add(60 * time.Second) }
	if err := l.AllowRate(ctx, user); err != nil {
		t.Errorf("new window rejected: %v", err)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()
	l := NewLimiter(cache.NewMemory(100))
	ctx := context.Background()
	user := &gateway.User{Username: "bob"}

	for range 100 {
		if err := l.AllowRate(ctx, user); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLimiter_TierBeforeUser(t *testing.T) {
	t.Parallel()
	l := NewLimiter(cache.NewMemory(100))
	ctx := context.Background()
	tier := &gateway.Tier{ID: "bronze", RequestsPerMinute: 2}

	for range 2 {
		if err := l.AllowTier(ctx, "bob", tier); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.AllowTier(ctx, "bob", tier); !errors.Is(err, gateway.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}

	// Tier counters are per-user.
	if err := l.AllowTier(ctx, "alice", tier); err != nil {
		t.Errorf("other user's tier budget shared: %v", err)
	}
}

func TestLimiter_Bandwidth(t *testing.T) {
	t.Parallel()
	l := NewLimiter(cache.NewMemory(100))
	ctx := context.Background()
	user := &gateway.User{
		Username:         "bob",
		BandwidthEnabled: true,
		BandwidthLimit:   1000,
		BandwidthWindowS: 60,
	}

	// Declared size alone can reject before any byte moves.
	if err := l.AllowBandwidth(ctx, user, 2000); !errors.Is(err, gateway.ErrBandwidthLimited) {
		t.Errorf("err = %v, want ErrBandwidthLimited", err)
	}

	if err := l.AllowBandwidth(ctx, user, 400); err != nil {
		t.Fatal(err)
	}
	l.AddBandwidth(ctx, user, 900)

	if err := l.AllowBandwidth(ctx, user, 200); !errors.Is(err, gateway.ErrBandwidthLimited) {
		t.Errorf("err = %v, want ErrBandwidthLimited after charge", err)
	}
	// Unknown Content-Length passes the precheck while budget remains.
	if err := l.AllowBandwidth(ctx, user, -1); err != nil {
		t.Errorf("unknown length rejected: %v", err)
	}
}

func TestThrottler_QueueLimit(t *testing.T) {
	t.Parallel()
	th := NewThrottler()
	ctx := context.Background()
	user := &gateway.User{
		Username:           "bob",
		ThrottleEnabled:    true,
		ThrottleQueueLimit: 2,
	}

	r1, err := th.Acquire(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := th.Acquire(ctx, user)
	if err != nil {
		t.Fatal(err)
	}

	// Saturated with no wait budget: immediate rejection.
	if _, err := th.Acquire(ctx, user); !errors.Is(err, gateway.ErrThrottled) {
		t.Errorf("err = %v, want ErrThrottled", err)
	}

	r1()
	r3, err := th.Acquire(ctx, user)
	if err != nil {
		t.Errorf("slot not freed by release: %v", err)
	}
	if r3 != nil {
		r3()
	}
	r2()
}

func TestThrottler_WaitsForSlot(t *testing.T) {
	t.Parallel()
	th := NewThrottler()
	ctx := context.Background()
	user := &gateway.User{
		Username:           "bob",
		ThrottleEnabled:    true,
		ThrottleQueueLimit: 1,
		ThrottleWaitMs:     500,
	}

	release, err := th.Acquire(ctx, user)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := th.Acquire(ctx, user)
		if err != nil {
			t.Errorf("waiter rejected within wait budget: %v", err)
			return
		}
		r()
	}()

	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
}

func TestThrottler_WaitExpires(t *testing.T) {
	t.Parallel()
	th := NewThrottler()
	ctx := context.Background()
	user := &gateway.User{
		Username:           "bob",
		ThrottleEnabled:    true,
		ThrottleQueueLimit: 1,
		ThrottleWaitMs:     30,
	}

	release, err := th.Acquire(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := th.Acquire(ctx, user); !errors.Is(err, gateway.ErrThrottled) {
		t.Errorf("err = %v, want ErrThrottled after wait expiry", err)
	}
}

func TestThrottler_DisabledPasses(t *testing.T) {
	t.Parallel()
	th := NewThrottler()
	release, err := th.Acquire(context.Background(), &gateway.User{Username: "bob"})
	if err != nil || release == nil {
		t.Fatalf("release = %p, err = %v", release, err)
	}
	release()
}
