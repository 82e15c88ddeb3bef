package server

import (
	"net/http"
	"slices"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// corsPolicy is the effective CORS configuration for one request: the API's
// own policy when it carries one, the platform defaults otherwise.
type corsPolicy struct {
	origins     []string
	methods     []string
	headers     []string
	expose      []string
	credentials bool
	strict      bool
}

func (s *server) corsFor(api *gateway.Api) corsPolicy {
	def := s.deps.Options.CORS
	p := corsPolicy{
		origins:     def.AllowedOrigins,
		methods:     def.AllowMethods,
		headers:     def.AllowHeaders,
		credentials: def.AllowCredentials,
		strict:      def.Strict,
	}
	if api == nil {
		return p
	}
	if len(api.CORS.AllowOrigins) > 0 {
		p.origins = api.CORS.AllowOrigins
		p.credentials = api.CORS.AllowCredentials
	}
	if len(api.CORS.AllowMethods) > 0 {
		p.methods = api.CORS.AllowMethods
	}
	if len(api.CORS.AllowHeaders) > 0 {
		p.headers = api.CORS.AllowHeaders
	}
	p.expose = api.CORS.ExposeHeaders
	return p
}

// resolveOrigin decides which Allow-Origin value, if any, to send back.
// An exact match echoes the origin. The wildcard echoes the request origin
// too, except in strict mode with credentials on, where the combination
// would defeat the purpose of the origin check.
func (p corsPolicy) resolveOrigin(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if slices.Contains(p.origins, origin) {
		return origin, true
	}
	if slices.Contains(p.origins, "*") {
		if p.credentials && p.strict {
			return "", false
		}
		return origin, true
	}
	return "", false
}

// applyCORS attaches response headers for a non-preflight cross-origin
// request. In strict mode an unmatched Origin rejects the request outright.
func (s *server) applyCORS(w http.ResponseWriter, r *http.Request, api *gateway.Api) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	p := s.corsFor(api)
	w.Header().Add("Vary", "Origin")

	allow, ok := p.resolveOrigin(origin)
	if !ok {
		if p.strict {
			return gateway.Errf(gateway.ErrSecurityForbidden, "origin %s is not allowed", origin)
		}
		return nil
	}
	w.Header().Set("Access-Control-Allow-Origin", allow)
	if p.credentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(p.expose) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(p.expose, ", "))
	}
	return nil
}

// preflight answers an OPTIONS request from the effective CORS policy.
func (s *server) preflight(w http.ResponseWriter, r *http.Request, api *gateway.Api) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if s.deps.Options.StrictOptions405 {
			s.writeError(w, r, &gateway.Error{
				Code: "GTW004", Status: http.StatusMethodNotAllowed, Message: "OPTIONS is not allowed here",
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	p := s.corsFor(api)
	w.Header().Add("Vary", "Origin")
	allow, ok := p.resolveOrigin(origin)
	if !ok {
		if p.strict {
			s.writeError(w, r, gateway.Errf(gateway.ErrSecurityForbidden, "origin %s is not allowed", origin))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	methods := p.methods
	if !slices.Contains(methods, http.MethodOptions) {
		methods = append(slices.Clone(methods), http.MethodOptions)
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allow)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if len(p.headers) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.headers, ", "))
	}
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(p.expose) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.expose, ", "))
	}
	w.WriteHeader(http.StatusNoContent)
}
