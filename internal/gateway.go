// Package gateway defines domain types and interfaces for the Heimdall API gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- API types ---

// ApiType identifies the upstream protocol of a configured API.
type ApiType string

// Supported API protocols.
const (
	TypeREST    ApiType = "REST"
	TypeSOAP    ApiType = "SOAP"
	TypeGraphQL ApiType = "GRAPHQL"
	TypeGRPC    ApiType = "GRPC"
)

// IPMode selects how an IP policy treats addresses that match no list.
type IPMode string

// IP policy modes.
const (
	IPAllowAll  IPMode = "allow_all"
	IPWhitelist IPMode = "whitelist"
)

// Api is a configured logical service identified by (name, version).
// ID is the stable opaque identifier and never changes after creation.
type Api struct {
	ID            string   `json:"api_id"`
	Name          string   `json:"api_name"`
	Version       string   `json:"api_version"`
	Type          ApiType  `json:"api_type"`
	Servers       []string `json:"api_servers"`
	Public        bool     `json:"api_public"`
	AuthRequired  bool     `json:"api_auth_required"`
	AllowedRoles  []string `json:"api_allowed_roles"`
	AllowedGroups []string `json:"api_allowed_groups"`

	RetryCount int `json:"api_allowed_retry_count"`
	// Per-API timeout overrides in milliseconds; 0 falls back to the
	// environment defaults.
	ConnectTimeoutMs int `json:"api_connect_timeout_ms,omitempty"`
	ReadTimeoutMs    int `json:"api_read_timeout_ms,omitempty"`
	WriteTimeoutMs   int `json:"api_write_timeout_ms,omitempty"`

	CORS CORSPolicy `json:"api_cors"`

	IPMode      IPMode   `json:"api_ip_mode"`
	IPWhitelist []string `json:"api_ip_whitelist,omitempty"`
	IPBlacklist []string `json:"api_ip_blacklist,omitempty"`
	TrustXFF    bool     `json:"api_trust_x_forwarded_for"`

	// AuthFieldSwap names a request header whose value replaces the
	// upstream Authorization header.
	AuthFieldSwap  string   `json:"api_authorization_field_swap,omitempty"`
	AllowedHeaders []string `json:"api_allowed_headers,omitempty"`

	CreditsEnabled bool   `json:"api_credits_enabled"`
	CreditGroup    string `json:"api_credit_group,omitempty"`

	GRPCPackage         string   `json:"api_grpc_package,omitempty"`
	GRPCAllowedPackages []string `json:"api_grpc_allowed_packages,omitempty"`
	GRPCAllowedServices []string `json:"api_grpc_allowed_services,omitempty"`
	GRPCAllowedMethods  []string `json:"api_grpc_allowed_methods,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the composite "name/version" identity of the API.
func (a *Api) Key() string { return a.Name + "/" + a.Version }

// BucketKey returns the logical identity used for breaker and metric bucketing.
func (a *Api) BucketKey() string { return string(a.Type) + ":" + a.Name + "/" + a.Version }

// CORSPolicy holds per-API CORS configuration.
type CORSPolicy struct {
	AllowOrigins     []string `json:"api_cors_allow_origins,omitempty"`
	AllowMethods     []string `json:"api_cors_allow_methods,omitempty"`
	AllowHeaders     []string `json:"api_cors_allow_headers,omitempty"`
	AllowCredentials bool     `json:"api_cors_allow_credentials"`
	ExposeHeaders    []string `json:"api_cors_expose_headers,omitempty"`
}

// Endpoint is a (method, URI) tuple under an API. Servers, when non-empty,
// override the API-level server list for requests matching this endpoint.
type Endpoint struct {
	ID         string   `json:"endpoint_id"`
	ApiName    string   `json:"api_name"`
	ApiVersion string   `json:"api_version"`
	Method     string   `json:"endpoint_method"`
	URI        string   `json:"endpoint_uri"`
	Servers    []string `json:"endpoint_servers,omitempty"`
	// ValidationRef names an entry in the endpoint_validation collection.
	ValidationRef string `json:"endpoint_validation,omitempty"`
	Active        bool   `json:"active"`
}

// --- Identity ---

// User is a gateway account keyed by case-sensitive username.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Role         string   `json:"role"`
	Groups       []string `json:"groups"`

	RateLimitEnabled bool  `json:"rate_limit_enabled"`
	RateLimit        int64 `json:"rate_limit"`
	RateLimitWindowS int64 `json:"rate_limit_window_seconds"`

	ThrottleEnabled    bool  `json:"throttle_enabled"`
	ThrottleQueueLimit int64 `json:"throttle_queue_limit"`
	ThrottleWaitMs     int64 `json:"throttle_wait_ms"`

	BandwidthEnabled bool  `json:"bandwidth_limit_enabled"`
	BandwidthLimit   int64 `json:"bandwidth_limit_bytes"`
	BandwidthWindowS int64 `json:"bandwidth_window_seconds"`

	MFAEnabled bool   `json:"mfa_enabled"`
	MFASecret  string `json:"-"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SuperAdmin is the bootstrap account. It cannot be updated or deleted through
// the public surface and is invisible to non-admin reads.
const SuperAdmin = "admin"

// Role is a named bundle of capability flags.
type Role struct {
	Name     string          `json:"role_name"`
	Accesses map[string]bool `json:"accesses"`
}

// Capabilities lists the flag names carried in Role.Accesses and token claims.
var Capabilities = []string{
	"manage_users", "manage_apis", "manage_endpoints", "manage_groups",
	"manage_roles", "manage_routings", "manage_gateway", "manage_subscriptions",
	"manage_security", "manage_credits", "manage_auth",
	"view_logs", "export_logs", "view_builder_tables",
}

// Group is a named set membership.
type Group struct {
	Name string `json:"group_name"`
}

// GroupAll is the reserved group name; an API permitting "ALL" admits any
// authenticated group member.
const GroupAll = "ALL"

// Subscription is the per-user allow-list of "name/version" API keys.
// Readers must tolerate dangling entries for deleted APIs.
type Subscription struct {
	Username string   `json:"username"`
	Apis     []string `json:"apis"`
}

// Routing is a client-keyed alternative upstream list. ServerIndex is the
// persisted round-robin cursor, incremented modulo len(Servers).
type Routing struct {
	ClientKey   string   `json:"client_key"`
	Servers     []string `json:"routing_servers"`
	ServerIndex int      `json:"server_index"`
}

// Tier is a reusable bundle of rate/throttle limits assignable to users.
type Tier struct {
	ID                 string `json:"tier_id"`
	RequestsPerMinute  int64  `json:"requests_per_minute"`
	ThrottleEnabled    bool   `json:"throttle_enabled"`
	ThrottleQueueLimit int64  `json:"throttle_queue_limit"`
	ThrottleWaitMs     int64  `json:"throttle_wait_ms"`
}

// TierAssignment links a user to a tier.
type TierAssignment struct {
	Username string `json:"username"`
	TierID   string `json:"tier_id"`
}

// CreditGroup is a named pool gating access to monetized APIs. The upstream
// key is stored encrypted at rest; Header names the upstream header the key
// is injected into.
type CreditGroup struct {
	Name      string                `json:"api_credit_group"`
	APIKeyEnc string                `json:"-"`
	Header    string                `json:"upstream_header"`
	Tiers     map[string]CreditTier `json:"tiers,omitempty"`
}

// CreditTier describes a credit allowance bundle within a credit group.
type CreditTier struct {
	Credits int64  `json:"credits"`
	Reset   string `json:"reset"` // "monthly" or "never"
}

// UserCredit is a per-user balance within a credit group. UserAPIKey, when
// set, overrides the group key for upstream injection.
type UserCredit struct {
	Username   string `json:"username"`
	Group      string `json:"api_credit_group"`
	Available  int64  `json:"available_credits"`
	Tier       string `json:"tier,omitempty"`
	UserAPIKey string `json:"user_api_key,omitempty"`
}

// SecuritySettings is the global runtime security document applied to every
// request before any application handler sees it.
type SecuritySettings struct {
	IPMode            IPMode   `json:"ip_mode"`
	IPWhitelist       []string `json:"ip_whitelist,omitempty"`
	IPBlacklist       []string `json:"ip_blacklist,omitempty"`
	TrustXFF          bool     `json:"trust_x_forwarded_for"`
	XFFTrustedProxies []string `json:"xff_trusted_proxies,omitempty"`
	LocalhostBypass   bool     `json:"localhost_bypass"`
}

// Identity is the authenticated caller context attached to the request.
type Identity struct {
	Username string          `json:"username"`
	Role     string          `json:"role"`
	Groups   []string        `json:"groups"`
	Accesses map[string]bool `json:"accesses"`
	JTI      string          `json:"jti"`
}

// IsSuperAdmin reports whether the identity is the bootstrap admin account.
func (id *Identity) IsSuperAdmin() bool { return id != nil && id.Username == SuperAdmin }

// Can reports whether the identity carries the given capability flag.
func (id *Identity) Can(capability string) bool {
	return id != nil && id.Accesses[capability]
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity and ClientIP are set later by pipeline steps via mutation of the
// same pointer, avoiding repeated context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	ClientIP  string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta when
// present, falling back to a fresh meta value (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the correlation id from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// ClientIPFromContext extracts the resolved client IP from ctx, or "".
func ClientIPFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.ClientIP
	}
	return ""
}

// ContextWithClientIP stores the resolved client IP on the request meta.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.ClientIP = ip
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{ClientIP: ip})
}

// --- Shared helpers ---

// HashPassword returns the hex-encoded SHA-256 hash of a password.
func HashPassword(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
