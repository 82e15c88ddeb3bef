package cache

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time. A zero expiresAt
// means the entry never expires.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// counter is a mutex-free counter cell; access is guarded by the owning
// namespace lock. Counters live outside otter because INCR needs a
// read-modify-write under one lock, which otter's async pipeline cannot give.
type counter struct {
	value     int64
	expiresAt time.Time
}

// nsCache holds one namespace: an otter W-TinyLFU cache for values plus a
// locked counter table.
type nsCache struct {
	values *otter.Cache[string, entry]

	mu       sync.Mutex
	counters map[string]*counter
}

// Memory is the in-process policy cache. Namespaces are created lazily; each
// gets its own otter instance so Clear is a single InvalidateAll.
type Memory struct {
	mu      sync.RWMutex
	maxSize int
	spaces  map[string]*nsCache
}

// NewMemory creates an in-memory cache; maxSize bounds entries per namespace.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &Memory{maxSize: maxSize, spaces: make(map[string]*nsCache)}
}

func (m *Memory) space(ns string) *nsCache {
	m.mu.RLock()
	s, ok := m.spaces[ns]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock.
	if s, ok := m.spaces[ns]; ok {
		return s
	}
	s = &nsCache{
		values: otter.Must(&otter.Options[string, entry]{
			MaximumSize: m.maxSize,
		}),
		counters: make(map[string]*counter),
	}
	m.spaces[ns] = s
	return s
}

// Get retrieves a value if present and not expired.
func (m *Memory) Get(_ context.Context, ns, key string) ([]byte, bool) {
	s := m.space(ns)
	e, ok := s.values.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.values.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores a value with per-entry TTL; zero ttl disables expiry.
func (m *Memory) Set(_ context.Context, ns, key string, val []byte, ttl time.Duration) {
	e := entry{data: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.space(ns).values.Set(key, e)
}

// Delete removes a value and any counter under the same key.
func (m *Memory) Delete(_ context.Context, ns, key string) {
	s := m.space(ns)
	s.values.Invalidate(key)
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
}

// Clear removes every entry in a namespace.
func (m *Memory) Clear(_ context.Context, ns string) {
	s := m.space(ns)
	s.values.InvalidateAll()
	s.mu.Lock()
	s.counters = make(map[string]*counter)
	s.mu.Unlock()
}

// Incr atomically increments a counter by 1.
func (m *Memory) Incr(ctx context.Context, ns, key string, ttl time.Duration) (int64, error) {
	return m.IncrBy(ctx, ns, key, 1, ttl)
}

// IncrBy atomically adds n to a counter. The ttl applies only when the
// counter is created, mirroring the Redis INCR+EXPIRE(NX) pair.
func (m *Memory) IncrBy(_ context.Context, ns, key string, n int64, ttl time.Duration) (int64, error) {
	s := m.space(ns)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if ok && !c.expiresAt.IsZero() && now.After(c.expiresAt) {
		ok = false
	}
	if !ok {
		c = &counter{}
		if ttl > 0 {
			c.expiresAt = now.Add(ttl)
		}
		s.counters[key] = c
	}
	c.value += n
	return c.value, nil
}

// Counter reads a counter without modifying it.
func (m *Memory) Counter(_ context.Context, ns, key string) (int64, bool) {
	s := m.space(ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return 0, false
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		delete(s.counters, key)
		return 0, false
	}
	return c.value, true
}

// Sweep drops expired counters across all namespaces and returns the number
// removed. Called periodically by the background sweeper.
func (m *Memory) Sweep() int {
	m.mu.RLock()
	spaces := make([]*nsCache, 0, len(m.spaces))
	for _, s := range m.spaces {
		spaces = append(spaces, s)
	}
	m.mu.RUnlock()

	now := time.Now()
	removed := 0
	for _, s := range spaces {
		s.mu.Lock()
		for k, c := range s.counters {
			if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
				delete(s.counters, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
