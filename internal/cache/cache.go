// Package cache provides the namespaced policy cache for the gateway.
//
// Two backends exist: an in-process one built on otter, and a Redis one for
// multi-instance deployments. Both guarantee per-operation atomicity,
// including the counter operations the limiter paths depend on.
package cache

import (
	"context"
	"time"
)

// Cache namespaces used by the gateway. Each namespace carries its own
// default TTL; NSEndpointServer holds round-robin indices and lives for the
// process lifetime.
const (
	NSApi              = "api_cache"
	NSApiID            = "api_id_cache"
	NSApiEndpoint      = "api_endpoint_cache"
	NSEndpoint         = "endpoint_cache"
	NSUser             = "user_cache"
	NSRole             = "role_cache"
	NSGroup            = "group_cache"
	NSUserSubscription = "user_subscription_cache"
	NSClientRouting    = "client_routing_cache"
	NSEndpointServer   = "endpoint_server_cache"
	NSGraphQLSchema    = "graphql_schema_cache"
	NSMFASetup         = "mfa_setup_cache"
	NSTrigger          = "trigger_cache"
	NSRevocation       = "token_revocation_cache"
	NSRateLimit        = "rate_limit_cache"
	NSBandwidth        = "bandwidth_cache"
)

// defaultTTLs maps namespaces to their default entry lifetime.
// Zero means no expiry.
var defaultTTLs = map[string]time.Duration{
	NSApi:              5 * time.Minute,
	NSApiID:            5 * time.Minute,
	NSApiEndpoint:      5 * time.Minute,
	NSEndpoint:         5 * time.Minute,
	NSUser:             time.Minute,
	NSRole:             5 * time.Minute,
	NSGroup:            5 * time.Minute,
	NSUserSubscription: time.Minute,
	NSClientRouting:    time.Minute,
	NSEndpointServer:   0,
	NSGraphQLSchema:    time.Hour,
	NSMFASetup:         10 * time.Minute,
	NSTrigger:          time.Minute,
	NSRevocation:       0,
	NSRateLimit:        time.Hour,
	NSBandwidth:        time.Hour,
}

// TTLFor returns the default TTL for a namespace. Unknown namespaces get
// one minute.
func TTLFor(ns string) time.Duration {
	if ttl, ok := defaultTTLs[ns]; ok {
		return ttl
	}
	return time.Minute
}

// Cache is the namespaced key-value policy cache.
type Cache interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, ns, key string) ([]byte, bool)
	// Set stores a value. A zero ttl means no expiry.
	Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration)
	// Delete removes a single entry.
	Delete(ctx context.Context, ns, key string)
	// Clear removes every entry in a namespace.
	Clear(ctx context.Context, ns string)

	// Incr atomically increments a counter by 1, setting ttl on first
	// creation, and returns the post-increment value.
	Incr(ctx context.Context, ns, key string, ttl time.Duration) (int64, error)
	// IncrBy atomically adds n to a counter, setting ttl on first
	// creation, and returns the post-increment value.
	IncrBy(ctx context.Context, ns, key string, n int64, ttl time.Duration) (int64, error)
	// Counter reads a counter without modifying it.
	Counter(ctx context.Context, ns, key string) (int64, bool)
}
