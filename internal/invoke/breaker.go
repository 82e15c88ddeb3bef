// Package invoke performs resilient upstream HTTP calls: per-upstream
// circuit breakers, bounded retries with full-jitter backoff, and cached DNS
// resolution. Breakers short-circuit requests to known-bad upstreams,
// reducing failover latency from seconds (timeout + network) to nanoseconds
// (state check).
package invoke

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	Threshold int           // consecutive failures to trip
	Cooldown  time.Duration // time in OPEN before transitioning to HALF_OPEN
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a per-upstream circuit breaker. It trips after exactly
// Threshold consecutive failures; any success resets the run. After the
// cooldown one probe is let through: success closes the breaker, failure
// reopens it for another full cooldown.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int // consecutive failure run while closed
	openedAt  time.Time
	lastUsed  time.Time // for stale eviction
	probing   bool      // a half-open probe is in flight
	threshold int
	cooldown  time.Duration

	onTransition func(from, to State) // optional, for metrics
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		lastUsed:  time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

// Allow checks whether a request should be allowed through.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			// This request is the probe.
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		// Another probe is already in flight; reject.
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures = 0

	if b.state == StateHalfOpen {
		// Probe succeeded: close.
		b.transition(StateClosed)
		b.probing = false
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(StateOpen)
			b.openedAt = now
			b.failures = 0
		}
	case StateHalfOpen:
		// Probe failed: reopen for another cooldown.
		b.transition(StateOpen)
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}

// BreakerRegistry manages per-upstream Breaker instances keyed by the API
// bucket key.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig

	// OnTransition, when set before first use, observes state changes of
	// every breaker the registry creates.
	OnTransition func(key string, from, to State)
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given key, or nil if none exists.
func (r *BreakerRegistry) Get(key string) *Breaker {
	r.mu.RLock()
	b := r.breakers[key]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for key, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *BreakerRegistry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(r.config)
	if r.OnTransition != nil {
		fn := r.OnTransition
		b.onTransition = func(from, to State) { fn(key, from, to) }
	}
	r.breakers[key] = b
	return b
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *BreakerRegistry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
