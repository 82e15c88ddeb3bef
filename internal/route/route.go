// Package route selects the upstream server for a request. Selection
// precedence: a client-keyed routing document, then an endpoint-level server
// override, then the API's own server list. The latter two rotate through a
// cache counter; client routings persist their cursor so it survives
// restarts and is shared across instances.
package route

import (
	"context"
	"net/url"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/store"
)

// Selector picks upstream servers.
type Selector struct {
	registry *registry.Resolver

	// ContainerHost, when set, replaces loopback hosts in configured server
	// URLs. Inside a container "localhost" points at the container itself,
	// not the machine the operator meant.
	ContainerHost string
}

// NewSelector creates a Selector over the config resolver.
func NewSelector(r *registry.Resolver) *Selector {
	return &Selector{registry: r}
}

// Pick returns the upstream base URL for the request. clientKey, when
// non-empty, is checked for a routing document first; endpoint may be nil.
func (s *Selector) Pick(ctx context.Context, api *gateway.Api, endpoint *gateway.Endpoint, clientKey string) (string, error) {
	if clientKey != "" {
		if server, ok, err := s.pickRouting(ctx, clientKey); err != nil {
			return "", err
		} else if ok {
			return s.rewrite(server), nil
		}
	}

	if endpoint != nil && len(endpoint.Servers) > 0 {
		return s.rewrite(s.rotate(ctx, "ep:"+endpoint.ID, endpoint.Servers)), nil
	}

	if len(api.Servers) == 0 {
		return "", gateway.Errf(gateway.ErrUpstream, "no servers configured for %s", api.Key())
	}
	return s.rewrite(s.rotate(ctx, "api:"+api.ID, api.Servers)), nil
}

// pickRouting serves from a client routing document and advances its
// persisted cursor. The advance is a CAS on the observed index; losing the
// race just means two clients shared a server, so the request proceeds with
// the server it read either way.
func (s *Selector) pickRouting(ctx context.Context, clientKey string) (string, bool, error) {
	rt, err := s.registry.Routing(ctx, clientKey)
	if err != nil {
		return "", false, err
	}
	if rt == nil || len(rt.Servers) == 0 {
		return "", false, nil
	}

	idx := rt.ServerIndex % len(rt.Servers)
	next := (idx + 1) % len(rt.Servers)
	s.registry.UpdateWithInvalidate(ctx, store.CollRoutings, //nolint:errcheck
		store.Filter{"client_key": clientKey, "server_index": float64(rt.ServerIndex)},
		store.Update{"$set": {"server_index": float64(next)}},
		cache.NSClientRouting, clientKey)
	return rt.Servers[idx], true, nil
}

// rotate round-robins through servers using a never-expiring cache counter.
func (s *Selector) rotate(ctx context.Context, key string, servers []string) string {
	if len(servers) == 1 {
		return servers[0]
	}
	n, err := s.registry.Cache().Incr(ctx, cache.NSEndpointServer, key, cache.TTLFor(cache.NSEndpointServer))
	if err != nil {
		return servers[0]
	}
	return servers[int((n-1)%int64(len(servers)))]
}

// rewrite maps loopback hosts onto the configured container host.
func (s *Selector) rewrite(server string) string {
	if s.ContainerHost == "" {
		return server
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return server
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return server
	}
	if port := u.Port(); port != "" {
		u.Host = s.ContainerHost + ":" + port
	} else {
		u.Host = s.ContainerHost
	}
	return u.String()
}

// JoinPath appends a request tail to an upstream base URL, collapsing the
// duplicate slash between them.
func JoinPath(base, tail string) string {
	if tail == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(tail, "/")
}
