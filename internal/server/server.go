// Package server implements the HTTP transport layer for the Heimdall gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/eugener/heimdall/internal/adapter"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/invoke"
	"github.com/eugener/heimdall/internal/ippolicy"
	"github.com/eugener/heimdall/internal/ratelimit"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/route"
	"github.com/eugener/heimdall/internal/telemetry"
	"github.com/eugener/heimdall/internal/validate"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// CORSOptions holds the platform-wide CORS defaults applied when an API
// carries no policy of its own.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	// Strict rejects cross-origin requests whose Origin matches no allowed
	// origin, and refuses to echo a wildcard origin when credentials are on.
	Strict bool
}

// Options are transport-level toggles.
type Options struct {
	// StrictEnvelope wraps upstream responses in the normalized JSON
	// envelope; off means transparent passthrough.
	StrictEnvelope bool
	// StrictOptions405 rejects OPTIONS requests that are not CORS
	// preflights with 405 instead of answering them.
	StrictOptions405 bool
	CORS             CORSOptions
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Registry  *registry.Resolver
	Tokens    *auth.TokenService
	MFA       *auth.MFAService
	Login     *auth.Login
	Cookies   auth.CookiePolicy
	Limiter   *ratelimit.Limiter
	Throttler *ratelimit.Throttler
	Credits   *ratelimit.Credits
	IP        *ippolicy.Checker
	Selector  *route.Selector
	Invoker   *invoke.Invoker
	GraphQL   *adapter.GraphQL
	GRPC      *adapter.GRPC
	Validator *validate.Validator

	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	Options Options
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.metrics)
	r.Use(s.globalIP)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Platform routes under the deployment-wide CORS policy.
	r.Route("/platform", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Options.CORS.AllowedOrigins,
			AllowedMethods:   deps.Options.CORS.AllowMethods,
			AllowedHeaders:   deps.Options.CORS.AllowHeaders,
			AllowCredentials: deps.Options.CORS.AllowCredentials,
		}))
		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/mfa/setup", s.handleMFASetup)
			r.Post("/auth/mfa/enable", s.handleMFAEnable)
			r.Get("/credit/{username}", s.handleCreditBalance)
		})
	})

	// Gateway data plane. Every method routes into the pipeline; OPTIONS is
	// answered there so preflights see the per-API CORS policy.
	r.HandleFunc("/api/rest/{name}/{version}", s.handleREST)
	r.HandleFunc("/api/rest/{name}/{version}/*", s.handleREST)
	r.HandleFunc("/api/soap/{name}/{version}", s.handleSOAP)
	r.HandleFunc("/api/soap/{name}/{version}/*", s.handleSOAP)
	r.HandleFunc("/api/graphql/{name}", s.handleGraphQL)
	r.HandleFunc("/api/grpc/{name}", s.handleGRPC)
	r.Post("/grpc-web/{name}/{service}/{method}", s.handleGRPCWeb)

	return r
}

type server struct {
	deps Deps
}
