package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemory_GetSetDelete(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	if _, ok := m.Get(ctx, NSApi, "missing"); ok {
		t.Error("should not find missing key")
	}

	m.Set(ctx, NSApi, "k1", []byte("v1"), time.Minute)
	// otter processes Set asynchronously; wait briefly.
	time.Sleep(50 * time.Millisecond)

	val, ok := m.Get(ctx, NSApi, "k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	m.Delete(ctx, NSApi, "k1")
	if _, ok := m.Get(ctx, NSApi, "k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestMemory_NamespaceIsolation(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Set(ctx, NSApi, "shared", []byte("api"), time.Minute)
	m.Set(ctx, NSUser, "shared", []byte("user"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	m.Clear(ctx, NSApi)

	if _, ok := m.Get(ctx, NSApi, "shared"); ok {
		t.Error("clear should remove api namespace entry")
	}
	if v, ok := m.Get(ctx, NSUser, "shared"); !ok || string(v) != "user" {
		t.Error("clear must not touch other namespaces")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Set(ctx, NSUser, "expiring", []byte("data"), 50*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	if _, ok := m.Get(ctx, NSUser, "expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Set(ctx, NSEndpointServer, "idx", []byte("3"), 0)
	time.Sleep(50 * time.Millisecond)

	if _, ok := m.Get(ctx, NSEndpointServer, "idx"); !ok {
		t.Error("zero-TTL entry must survive")
	}
}

func TestMemory_IncrAtomicity(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	const workers = 16
	const perWorker = 200
	done := make(chan struct{})
	for range workers {
		go func() {
			for range perWorker {
				m.Incr(ctx, NSTrigger, "c", time.Minute) //nolint:errcheck
			}
			done <- struct{}{}
		}()
	}
	for range workers {
		<-done
	}

	v, ok := m.Counter(ctx, NSTrigger, "c")
	if !ok {
		t.Fatal("counter missing")
	}
	if v != workers*perWorker {
		t.Errorf("counter = %d, want %d", v, workers*perWorker)
	}
}

func TestMemory_CounterWindowExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	if v, _ := m.IncrBy(ctx, NSTrigger, "w", 5, 40*time.Millisecond); v != 5 {
		t.Fatalf("first incr = %d, want 5", v)
	}
	time.Sleep(80 * time.Millisecond)

	// A fresh window starts at zero.
	if v, _ := m.IncrBy(ctx, NSTrigger, "w", 1, 40*time.Millisecond); v != 1 {
		t.Errorf("post-expiry incr = %d, want 1", v)
	}
}

func TestMemory_Sweep(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Incr(ctx, NSTrigger, "a", 10*time.Millisecond) //nolint:errcheck
	m.Incr(ctx, NSTrigger, "b", time.Hour)           //nolint:errcheck
	time.Sleep(30 * time.Millisecond)

	if removed := m.Sweep(); removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if _, ok := m.Counter(ctx, NSTrigger, "b"); !ok {
		t.Error("live counter must survive sweep")
	}
}
