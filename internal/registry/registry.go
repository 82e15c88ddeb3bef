// Package registry implements the config resolver: every policy read goes
// through the namespaced cache first and falls back to the document store,
// repopulating the cache on a miss. Only positive findings are cached.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/store"
)

// Resolver resolves configuration documents by composite key.
type Resolver struct {
	store store.Store
	cache cache.Cache
}

// New creates a Resolver over the given store and cache.
func New(st store.Store, c cache.Cache) *Resolver {
	return &Resolver{store: st, cache: c}
}

// Store exposes the underlying document store for collaborators that need
// raw access (bootstrap, credit decrement).
func (r *Resolver) Store() store.Store { return r.store }

// Cache exposes the policy cache for collaborators (limiter, router).
func (r *Resolver) Cache() cache.Cache { return r.cache }

// cached reads ns/key from the cache, falling back to fetch and
// repopulating on a miss. Negative results are never cached.
func cached[T any](ctx context.Context, r *Resolver, ns, key string, fetch func(context.Context) (*T, error)) (*T, error) {
	if b, ok := r.cache.Get(ctx, ns, key); ok {
		v := new(T)
		if err := json.Unmarshal(b, v); err == nil {
			return v, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		r.cache.Delete(ctx, ns, key)
	}

	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(v); err == nil {
		r.cache.Set(ctx, ns, key, b, cache.TTLFor(ns))
	}
	return v, nil
}

// findAs fetches one document matching filter and decodes it into T.
func findAs[T any](ctx context.Context, r *Resolver, collection string, filter store.Filter) (*T, error) {
	doc, err := r.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := store.Decode(doc, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Api resolves an API by (name, version).
func (r *Resolver) Api(ctx context.Context, name, version string) (*gateway.Api, error) {
	key := name + "/" + version
	api, err := cached(ctx, r, cache.NSApi, key, func(ctx context.Context) (*gateway.Api, error) {
		return findAs[gateway.Api](ctx, r, store.CollApis,
			store.Filter{"api_name": name, "api_version": version})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrApiNotFound
	}
	return api, err
}

// ApiByID resolves an API by its stable opaque id.
func (r *Resolver) ApiByID(ctx context.Context, id string) (*gateway.Api, error) {
	api, err := cached(ctx, r, cache.NSApiID, id, func(ctx context.Context) (*gateway.Api, error) {
		return findAs[gateway.Api](ctx, r, store.CollApis, store.Filter{"api_id": id})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrApiNotFound
	}
	return api, err
}

// endpointList exists so the generic cache helper has a concrete document shape.
type endpointList struct {
	Endpoints []gateway.Endpoint `json:"endpoints"`
}

// Endpoints returns every endpoint of an API, for routing-table matches.
func (r *Resolver) Endpoints(ctx context.Context, api *gateway.Api) ([]gateway.Endpoint, error) {
	list, err := cached(ctx, r, cache.NSApiEndpoint, api.ID, func(ctx context.Context) (*endpointList, error) {
		docs, err := r.store.Find(ctx, store.CollEndpoints,
			store.Filter{"api_name": api.Name, "api_version": api.Version}, nil)
		if err != nil {
			return nil, err
		}
		out := endpointList{Endpoints: make([]gateway.Endpoint, 0, len(docs))}
		for _, doc := range docs {
			var ep gateway.Endpoint
			if err := store.Decode(doc, &ep); err != nil {
				return nil, err
			}
			out.Endpoints = append(out.Endpoints, ep)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return list.Endpoints, nil
}

// Endpoint resolves an endpoint by exact (method, uri).
func (r *Resolver) Endpoint(ctx context.Context, api *gateway.Api, method, uri string) (*gateway.Endpoint, error) {
	key := api.ID + ":" + method + ":" + uri
	ep, err := cached(ctx, r, cache.NSEndpoint, key, func(ctx context.Context) (*gateway.Endpoint, error) {
		return findAs[gateway.Endpoint](ctx, r, store.CollEndpoints, store.Filter{
			"api_name": api.Name, "api_version": api.Version,
			"endpoint_method": method, "endpoint_uri": uri,
		})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrEndpointNotFound
	}
	return ep, err
}

// User resolves a user document. This is the unfiltered internal read; the
// super-admin ghost rule lives in LookupUser.
func (r *Resolver) User(ctx context.Context, username string) (*gateway.User, error) {
	u, err := cached(ctx, r, cache.NSUser, username, func(ctx context.Context) (*gateway.User, error) {
		return findAs[gateway.User](ctx, r, store.CollUsers, store.Filter{"username": username})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrUserNotFound
	}
	return u, err
}

// LookupUser resolves a user on behalf of caller. The super-admin account is
// invisible to everyone but itself: reads by other callers yield not-found.
func (r *Resolver) LookupUser(ctx context.Context, caller *gateway.Identity, username string) (*gateway.User, error) {
	if username == gateway.SuperAdmin && !caller.IsSuperAdmin() {
		return nil, gateway.ErrUserNotFound
	}
	return r.User(ctx, username)
}

// GuardWrite rejects write paths targeting the super-admin account with a
// fixed error code regardless of the caller's capabilities.
func (r *Resolver) GuardWrite(username string) error {
	if username == gateway.SuperAdmin {
		return gateway.ErrUserForbidden
	}
	return nil
}

// Role resolves a role by name.
func (r *Resolver) Role(ctx context.Context, name string) (*gateway.Role, error) {
	role, err := cached(ctx, r, cache.NSRole, name, func(ctx context.Context) (*gateway.Role, error) {
		return findAs[gateway.Role](ctx, r, store.CollRoles, store.Filter{"role_name": name})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrRoleNotFound
	}
	return role, err
}

// Group resolves a group by name.
func (r *Resolver) Group(ctx context.Context, name string) (*gateway.Group, error) {
	g, err := cached(ctx, r, cache.NSGroup, name, func(ctx context.Context) (*gateway.Group, error) {
		return findAs[gateway.Group](ctx, r, store.CollGroups, store.Filter{"group_name": name})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrGroupNotFound
	}
	return g, err
}

// Subscriptions returns the user's subscribed "name/version" set. A user
// without a subscription document has an empty set, not an error.
func (r *Resolver) Subscriptions(ctx context.Context, username string) ([]string, error) {
	sub, err := cached(ctx, r, cache.NSUserSubscription, username, func(ctx context.Context) (*gateway.Subscription, error) {
		return findAs[gateway.Subscription](ctx, r, store.CollSubscriptions, store.Filter{"username": username})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub.Apis, nil
}

// Routing resolves a client-key routing document, or nil when none exists.
func (r *Resolver) Routing(ctx context.Context, clientKey string) (*gateway.Routing, error) {
	rt, err := cached(ctx, r, cache.NSClientRouting, clientKey, func(ctx context.Context) (*gateway.Routing, error) {
		return findAs[gateway.Routing](ctx, r, store.CollRoutings, store.Filter{"client_key": clientKey})
	})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	return rt, err
}

// Tier resolves a tier by id.
func (r *Resolver) Tier(ctx context.Context, tierID string) (*gateway.Tier, error) {
	return findAs[gateway.Tier](ctx, r, store.CollTiers, store.Filter{"tier_id": tierID})
}

// TierFor returns the tier assigned to a user, or nil when unassigned.
func (r *Resolver) TierFor(ctx context.Context, username string) (*gateway.Tier, error) {
	assign, err := findAs[gateway.TierAssignment](ctx, r, store.CollTierAssignments,
		store.Filter{"username": username})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tier, err := r.Tier(ctx, assign.TierID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, nil
	}
	return tier, err
}

// CreditGroup resolves a credit group definition.
func (r *Resolver) CreditGroup(ctx context.Context, name string) (*gateway.CreditGroup, error) {
	doc, err := r.store.FindOne(ctx, store.CollTokenDefs, store.Filter{"api_credit_group": name})
	if err != nil {
		return nil, err
	}
	var cg gateway.CreditGroup
	if err := store.Decode(doc, &cg); err != nil {
		return nil, err
	}
	// The upstream key is excluded from the JSON form; lift it explicitly.
	if k, ok := doc["api_key_enc"].(string); ok {
		cg.APIKeyEnc = k
	}
	return &cg, nil
}

// UserCredit resolves a user's balance within a credit group.
func (r *Resolver) UserCredit(ctx context.Context, username, group string) (*gateway.UserCredit, error) {
	return findAs[gateway.UserCredit](ctx, r, store.CollUserTokens,
		store.Filter{"username": username, "api_credit_group": group})
}

// Security returns the global security settings, or permissive defaults when
// the document is missing.
func (r *Resolver) Security(ctx context.Context) (*gateway.SecuritySettings, error) {
	sec, err := findAs[gateway.SecuritySettings](ctx, r, store.CollSecuritySettings, store.Filter{})
	if errors.Is(err, gateway.ErrNotFound) {
		return &gateway.SecuritySettings{IPMode: gateway.IPAllowAll}, nil
	}
	return sec, err
}

// --- Write-through invalidation ---

// UpdateWithInvalidate runs a store update and deletes the named cache entry
// afterwards -- on success *and* on failure, so a failed write can never
// leave a stale security-relevant entry behind.
func (r *Resolver) UpdateWithInvalidate(ctx context.Context, collection string, filter store.Filter, update store.Update, ns, key string) error {
	err := r.store.UpdateOne(ctx, collection, filter, update)
	r.cache.Delete(ctx, ns, key)
	if err != nil {
		return fmt.Errorf("update %s: %w", collection, err)
	}
	return nil
}

// InvalidateApi drops every cache entry derived from an API document.
func (r *Resolver) InvalidateApi(ctx context.Context, api *gateway.Api) {
	r.cache.Delete(ctx, cache.NSApi, api.Key())
	r.cache.Delete(ctx, cache.NSApiID, api.ID)
	r.cache.Delete(ctx, cache.NSApiEndpoint, api.ID)
}

// InvalidateUser drops the cached user document and its subscription set.
func (r *Resolver) InvalidateUser(ctx context.Context, username string) {
	r.cache.Delete(ctx, cache.NSUser, username)
	r.cache.Delete(ctx, cache.NSUserSubscription, username)
}

// MatchEndpoint finds the endpoint whose METHOD+URI pattern matches the
// request tail. "{param}" segments match any single path segment; exact
// matches win over parameterized ones.
func MatchEndpoint(endpoints []gateway.Endpoint, method, tail string) *gateway.Endpoint {
	var wild *gateway.Endpoint
	reqParts := splitPath(tail)
	for i := range endpoints {
		ep := &endpoints[i]
		if !strings.EqualFold(ep.Method, method) {
			continue
		}
		epParts := splitPath(ep.URI)
		exact, ok := segmentsMatch(epParts, reqParts)
		if !ok {
			continue
		}
		if exact {
			return ep
		}
		if wild == nil {
			wild = ep
		}
	}
	return wild
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// segmentsMatch reports whether pattern matches request segments, and
// whether the match used no parameter wildcards.
func segmentsMatch(pattern, req []string) (exact, ok bool) {
	if len(pattern) != len(req) {
		return false, false
	}
	exact = true
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			exact = false
			continue
		}
		if p != req[i] {
			return false, false
		}
	}
	return exact, true
}
