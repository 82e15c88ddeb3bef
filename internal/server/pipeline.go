package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/adapter"
	"github.com/eugener/heimdall/internal/invoke"
	"github.com/eugener/heimdall/internal/ippolicy"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/telemetry"
)

// VersionHeader carries the API version for the protocols whose path has no
// version segment (GraphQL, gRPC, gRPC-Web).
const VersionHeader = "X-Api-Version"

// ClientKeyHeader selects a client-keyed routing override.
const ClientKeyHeader = "X-Client-Key"

// maxBodyBytes bounds buffered request bodies.
const maxBodyBytes = 16 << 20

// requestState is everything the admission steps produce for the
// protocol-specific invocation that follows.
type requestState struct {
	api      *gateway.Api
	identity *gateway.Identity
	user     *gateway.User
	endpoint *gateway.Endpoint
	tail     string
	body     []byte

	creditHeader string
	creditKey    string

	// release returns the throttle slot; always non-nil.
	release func()
}

func (s *server) handleREST(w http.ResponseWriter, r *http.Request) {
	s.proxyHTTP(w, r, gateway.TypeREST)
}

func (s *server) handleSOAP(w http.ResponseWriter, r *http.Request) {
	s.proxyHTTP(w, r, gateway.TypeSOAP)
}

func (s *server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	s.proxyHTTP(w, r, gateway.TypeGraphQL)
}

// pathVersion returns the API version for the request: the path segment when
// the mount carries one, the version header otherwise.
func pathVersion(r *http.Request) (string, error) {
	if v := chi.URLParam(r, "version"); v != "" {
		return v, nil
	}
	if v := r.Header.Get(VersionHeader); v != "" {
		return v, nil
	}
	return "", gateway.Errf(gateway.ErrValidation, "missing %s header", VersionHeader)
}

// admit runs the shared pipeline steps: API resolution, CORS, identity,
// authorization, subscription, per-API IP policy, endpoint match, schema
// validation, limiters and credit charge. On failure the response has
// already been written and admit returns nil.
func (s *server) admit(w http.ResponseWriter, r *http.Request, want gateway.ApiType) *requestState {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	// Preflights are answered from the matched API's CORS policy when the
	// API resolves, and from platform defaults when it does not.
	if r.Method == http.MethodOptions {
		var api *gateway.Api
		if version, err := pathVersion(r); err == nil {
			api, _ = s.deps.Registry.Api(ctx, name, version)
		}
		s.preflight(w, r, api)
		return nil
	}

	version, err := pathVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	api, err := s.deps.Registry.Api(ctx, name, version)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			err = gateway.Errf(gateway.ErrApiNotFound, "API %s/%s not found", name, version)
		}
		s.writeError(w, r, err)
		return nil
	}
	if !api.Active {
		s.writeError(w, r, gateway.Errf(gateway.ErrApiForbidden, "API %s is not active", api.Key()))
		return nil
	}
	if api.Type != want {
		s.writeError(w, r, gateway.Errf(gateway.ErrTypeMismatch,
			"API %s is declared %s, not %s", api.Key(), api.Type, want))
		return nil
	}

	if err := s.applyCORS(w, r, api); err != nil {
		s.writeError(w, r, err)
		return nil
	}

	st := &requestState{api: api, release: func() {}}

	// Identity: public APIs and APIs with auth disabled skip verification.
	if !api.Public && api.AuthRequired {
		identity, err := s.verifyRequest(r)
		if err != nil {
			s.writeError(w, r, err)
			return nil
		}
		st.identity = identity
		r = r.WithContext(gateway.ContextWithIdentity(ctx, identity))
		ctx = r.Context()
	}

	if !api.Public && st.identity != nil {
		if err := authorize(st.identity, api); err != nil {
			s.writeError(w, r, err)
			return nil
		}
		user, err := s.deps.Registry.User(ctx, st.identity.Username)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				err = gateway.ErrUserNotFound
			}
			s.writeError(w, r, err)
			return nil
		}
		if !user.Active {
			s.writeError(w, r, gateway.Errf(gateway.ErrUserForbidden, "account is disabled"))
			return nil
		}
		st.user = user

		if !st.identity.IsSuperAdmin() {
			subs, err := s.deps.Registry.Subscriptions(ctx, st.identity.Username)
			if err != nil && !errors.Is(err, gateway.ErrNotFound) {
				s.writeError(w, r, err)
				return nil
			}
			if !slices.Contains(subs, api.Key()) {
				s.writeError(w, r, gateway.ErrNotSubscribed)
				return nil
			}
		}
	}

	clientIP := gateway.ClientIPFromContext(ctx)
	if api.TrustXFF {
		// The API opts into forwarding headers independently of the
		// deployment-wide setting; re-resolve through the proxy gate.
		sec, err := s.deps.Registry.Security(ctx)
		if err != nil {
			s.writeError(w, r, gateway.Wrap(gateway.ErrInternal, err))
			return nil
		}
		clientIP = ippolicy.ApiClientIP(r, sec.XFFTrustedProxies)
	}
	if err := s.deps.IP.CheckApi(clientIP, api, ippolicy.HasForwardingHeaders(r)); err != nil {
		s.writeError(w, r, err)
		return nil
	}

	// Endpoint match addresses the upstream for REST and SOAP; for GraphQL
	// it only carries server overrides and the variables schema, so a miss
	// is not an error there.
	st.tail = "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if want == gateway.TypeREST || want == gateway.TypeSOAP || want == gateway.TypeGraphQL {
		endpoints, err := s.deps.Registry.Endpoints(ctx, api)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			s.writeError(w, r, err)
			return nil
		}
		if len(endpoints) > 0 {
			st.endpoint = registry.MatchEndpoint(endpoints, r.Method, st.tail)
			if st.endpoint == nil && want != gateway.TypeGraphQL {
				s.writeError(w, r, gateway.ErrEndpointNotFound)
				return nil
			}
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, gateway.Wrap(gateway.ErrInternal, err))
		return nil
	}
	st.body = body

	if st.endpoint != nil && st.endpoint.ValidationRef != "" {
		var verr error
		switch want {
		case gateway.TypeSOAP:
			verr = s.deps.Validator.ValidateSOAP(ctx, st.endpoint.ValidationRef, body)
		case gateway.TypeGraphQL:
			vars := gjson.GetBytes(body, "variables").Raw
			if vars == "" {
				vars = "{}"
			}
			verr = s.deps.Validator.Validate(ctx, st.endpoint.ValidationRef, []byte(vars))
		default:
			verr = s.deps.Validator.Validate(ctx, st.endpoint.ValidationRef, body)
		}
		if verr != nil {
			s.writeError(w, r, verr)
			return nil
		}
	}

	if st.user != nil {
		if ok := s.applyLimits(w, r, st); !ok {
			return nil
		}
	}

	if api.CreditsEnabled && !api.Public && st.identity != nil {
		if ok := s.chargeCredit(w, r, st); !ok {
			st.release()
			return nil
		}
	}

	return st
}

// authorize applies the role/group gate. Super-admin bypasses it.
func authorize(id *gateway.Identity, api *gateway.Api) error {
	if id.IsSuperAdmin() {
		return nil
	}
	if slices.Contains(api.AllowedRoles, id.Role) {
		return nil
	}
	if slices.Contains(api.AllowedGroups, gateway.GroupAll) {
		return nil
	}
	for _, g := range id.Groups {
		if slices.Contains(api.AllowedGroups, g) {
			return nil
		}
	}
	return gateway.ErrApiForbidden
}

// applyLimits runs tier, rate, throttle and bandwidth checks in order. A
// tier's throttle settings override the user's own.
func (s *server) applyLimits(w http.ResponseWriter, r *http.Request, st *requestState) bool {
	ctx := r.Context()
	reject := func(kind string, err error) bool {
		if s.deps.Metrics != nil {
			s.deps.Metrics.LimiterRejects.WithLabelValues(kind).Inc()
		}
		s.writeError(w, r, err)
		return false
	}

	tier, err := s.deps.Registry.TierFor(ctx, st.user.Username)
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if err := s.deps.Limiter.AllowTier(ctx, st.user.Username, tier); err != nil {
		return reject("tier", err)
	}
	if err := s.deps.Limiter.AllowRate(ctx, st.user); err != nil {
		return reject("rate", err)
	}

	throttleUser := st.user
	if tier != nil && tier.ThrottleEnabled {
		u := *st.user
		u.ThrottleEnabled = true
		u.ThrottleQueueLimit = tier.ThrottleQueueLimit
		u.ThrottleWaitMs = tier.ThrottleWaitMs
		throttleUser = &u
	}
	release, err := s.deps.Throttler.Acquire(ctx, throttleUser)
	if err != nil {
		return reject("throttle", err)
	}
	st.release = release

	if err := s.deps.Limiter.AllowBandwidth(ctx, st.user, r.ContentLength); err != nil {
		st.release()
		return reject("bandwidth", err)
	}
	return true
}

// chargeCredit decrements the user's balance and records the upstream key to
// inject. Charged before invocation; no refund on upstream failure.
func (s *server) chargeCredit(w http.ResponseWriter, r *http.Request, st *requestState) bool {
	ctx := r.Context()
	uc, err := s.deps.Credits.Spend(ctx, st.identity.Username, st.api.CreditGroup)
	if err != nil {
		if s.deps.Metrics != nil && errors.Is(err, gateway.ErrCreditsExhausted) {
			s.deps.Metrics.LimiterRejects.WithLabelValues("credits").Inc()
		}
		s.writeError(w, r, err)
		return false
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CreditsSpent.WithLabelValues(st.api.CreditGroup).Inc()
	}

	cg, err := s.deps.Registry.CreditGroup(ctx, st.api.CreditGroup)
	if err != nil {
		s.writeError(w, r, gateway.Wrap(gateway.ErrInternal, err))
		return false
	}
	st.creditHeader = cg.Header
	st.creditKey = cg.APIKeyEnc
	if uc.UserAPIKey != "" {
		st.creditKey = uc.UserAPIKey
	}
	return true
}

// proxyHTTP finishes the pipeline for the HTTP-carried protocols: upstream
// selection, adapter build, resilient invocation, response mapping and
// post-response accounting.
func (s *server) proxyHTTP(w http.ResponseWriter, r *http.Request, want gateway.ApiType) {
	st := s.admit(w, r, want)
	if st == nil {
		return
	}
	defer st.release()
	ctx := r.Context()

	// Introspection documents change with deployments, not requests; serve
	// the cached copy when we have one.
	introspection := want == gateway.TypeGraphQL && adapter.IsIntrospection(st.body)
	if introspection {
		if schema, ok := s.deps.GraphQL.CachedSchema(ctx, st.api.ID); ok {
			h := http.Header{"Content-Type": {"application/json"}}
			s.writeUpstream(w, r, http.StatusOK, h, schema)
			if st.user != nil {
				s.deps.Limiter.AddBandwidth(ctx, st.user, int64(len(st.body)+len(schema)))
			}
			return
		}
	}

	upstream, err := s.deps.Selector.Pick(ctx, st.api, st.endpoint, r.Header.Get(ClientKeyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	areq := &adapter.Request{
		Api:          st.api,
		Endpoint:     st.endpoint,
		Upstream:     upstream,
		Tail:         st.tail,
		Body:         st.body,
		Client:       r,
		CreditHeader: st.creditHeader,
		CreditKey:    st.creditKey,
	}

	var out *http.Request
	switch want {
	case gateway.TypeREST:
		out, err = adapter.REST{}.Build(ctx, areq)
	case gateway.TypeSOAP:
		out, err = adapter.SOAP{}.Build(ctx, areq)
	case gateway.TypeGraphQL:
		out, err = s.deps.GraphQL.Build(ctx, areq)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	spanCtx, span := telemetry.StartUpstreamSpan(ctx, st.api.Key(), string(want))
	start := time.Now()
	res, err := s.deps.Invoker.Do(spanCtx, st.api, out, st.body)
	span.End()
	s.observeUpstream(st.api, want, start, res, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status, body, header := res.Status, res.Body, res.Header
	if want == gateway.TypeGraphQL {
		status, body = s.deps.GraphQL.MapResponse(res.Status, res.Body)
		if len(body) != len(res.Body) {
			header = header.Clone()
			header.Set("Content-Type", "application/json")
		}
		if introspection && res.Status == http.StatusOK {
			s.deps.GraphQL.StoreSchema(ctx, st.api.ID, res.Body)
		}
	}
	s.writeUpstream(w, r, status, header, body)

	if st.user != nil {
		s.deps.Limiter.AddBandwidth(ctx, st.user, int64(len(st.body)+len(body)))
	}
}

// handleGRPC transcodes a JSON body {method, message, package?} onto a unary
// gRPC call against the selected upstream.
func (s *server) handleGRPC(w http.ResponseWriter, r *http.Request) {
	st := s.admit(w, r, gateway.TypeGRPC)
	if st == nil {
		return
	}
	defer st.release()
	ctx := r.Context()

	service, method, err := splitGRPCMethod(gjson.GetBytes(st.body, "method").Str)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	requestedPkg := gjson.GetBytes(st.body, "package").Str
	message := []byte(gjson.GetBytes(st.body, "message").Raw)

	upstream, err := s.deps.Selector.Pick(ctx, st.api, st.endpoint, r.Header.Get(ClientKeyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	spanCtx, span := telemetry.StartUpstreamSpan(ctx, st.api.Key(), string(gateway.TypeGRPC))
	start := time.Now()
	var res *adapter.GRPCResult
	_, err = s.deps.Invoker.DoUnary(spanCtx, st.api, func(ctx context.Context) error {
		var cerr error
		res, cerr = s.deps.GRPC.Invoke(ctx, st.api, upstream, requestedPkg, service, method, message)
		return cerr
	})
	span.End()
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(st.api.Key(), string(gateway.TypeGRPC)).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := http.Header{"Content-Type": {"application/json"}}
	s.writeUpstream(w, r, res.Status, h, res.Body)

	if st.user != nil {
		s.deps.Limiter.AddBandwidth(ctx, st.user, int64(len(st.body)+len(res.Body)))
	}
}

// handleGRPCWeb bridges browser gRPC-Web frames onto a unary call. Service
// and method ride in the path; the version rides in the version header.
func (s *server) handleGRPCWeb(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if !slices.Contains(adapter.GRPCWebContentTypes, contentType) {
		s.writeError(w, r, gateway.Errf(gateway.ErrValidation,
			"unsupported content type %q", contentType))
		return
	}

	st := s.admit(w, r, gateway.TypeGRPC)
	if st == nil {
		return
	}
	defer st.release()
	ctx := r.Context()

	payload, err := adapter.DecodeGRPCWebFrame(st.body, contentType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	upstream, err := s.deps.Selector.Pick(ctx, st.api, st.endpoint, r.Header.Get(ClientKeyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	service := chi.URLParam(r, "service")
	method := chi.URLParam(r, "method")
	respPayload, grpcStatus, grpcMessage, err := s.deps.GRPC.InvokeBinary(
		ctx, st.api, upstream, "", service, method, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := adapter.EncodeGRPCWebResponse(respPayload, grpcStatus, grpcMessage, contentType)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	if st.user != nil {
		s.deps.Limiter.AddBandwidth(ctx, st.user, int64(len(st.body)+len(body)))
	}
}

// splitGRPCMethod accepts "Service/Method" or "Service.Method".
func splitGRPCMethod(m string) (service, method string, err error) {
	sep := strings.LastIndexAny(m, "/.")
	if sep <= 0 || sep == len(m)-1 {
		return "", "", gateway.Errf(gateway.ErrValidation, "method must be Service/Method")
	}
	return m[:sep], m[sep+1:], nil
}

// observeUpstream records upstream latency, retry and failure metrics.
func (s *server) observeUpstream(api *gateway.Api, proto gateway.ApiType, start time.Time, res *invoke.Result, err error) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(api.Key(), string(proto)).Observe(time.Since(start).Seconds())
	if err != nil {
		m.UpstreamErrors.WithLabelValues(api.Key(), "error").Inc()
		return
	}
	if res.Retries > 0 {
		m.UpstreamRetries.WithLabelValues(api.Key()).Add(float64(res.Retries))
	}
	if res.Status >= http.StatusInternalServerError {
		m.UpstreamErrors.WithLabelValues(api.Key(), http.StatusText(res.Status)).Inc()
	}
}
