package cache

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed policy cache backend. Keys are namespaced as
// "heimdall:<ns>:<key>" so Clear can scan a single prefix.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis cache from an address and optional password.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func redisKey(ns, key string) string { return "heimdall:" + ns + ":" + key }

// Get retrieves a cached value.
func (r *Redis) Get(ctx context.Context, ns, key string) ([]byte, bool) {
	b, err := r.client.Get(ctx, redisKey(ns, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache get failed", "ns", ns, "error", err)
		}
		return nil, false
	}
	return b, true
}

// Set stores a value; zero ttl stores without expiry.
func (r *Redis) Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, redisKey(ns, key), val, ttl).Err(); err != nil {
		slog.Warn("cache set failed", "ns", ns, "error", err)
	}
}

// Delete removes a single entry.
func (r *Redis) Delete(ctx context.Context, ns, key string) {
	if err := r.client.Del(ctx, redisKey(ns, key)).Err(); err != nil {
		slog.Warn("cache delete failed", "ns", ns, "error", err)
	}
}

// Clear removes every entry in a namespace using incremental SCAN so large
// namespaces do not block the server.
func (r *Redis) Clear(ctx context.Context, ns string) {
	iter := r.client.Scan(ctx, 0, redisKey(ns, "*"), 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			r.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		r.client.Del(ctx, keys...)
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache clear scan failed", "ns", ns, "error", err)
	}
}

// Incr atomically increments a counter by 1.
func (r *Redis) Incr(ctx context.Context, ns, key string, ttl time.Duration) (int64, error) {
	return r.IncrBy(ctx, ns, key, 1, ttl)
}

// IncrBy atomically adds n to a counter. The expiry is attached only when
// the key has no TTL yet (first increment of the window).
func (r *Redis) IncrBy(ctx context.Context, ns, key string, n int64, ttl time.Duration) (int64, error) {
	k := redisKey(ns, key)
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, k, n)
	if ttl > 0 {
		pipe.ExpireNX(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Counter reads a counter without modifying it.
func (r *Redis) Counter(ctx context.Context, ns, key string) (int64, bool) {
	s, err := r.client.Get(ctx, redisKey(ns, key)).Result()
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
