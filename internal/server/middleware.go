package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/ippolicy"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				s.writeError(w, r, gateway.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey.
const requestIDHeader = "X-Request-Id"

// requestID propagates the inbound correlation id when present and
// well-formed, mints a UUID v7 otherwise, and always echoes it back.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && wellFormedID(vals[0]) {
			id = vals[0]
		} else if v := r.Header.Get("Request-Id"); wellFormedID(v) {
			id = v
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wellFormedID bounds what the gateway will echo back verbatim.
func wellFormedID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// metrics records the request counter and latency histogram per route.
func (s *server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := s.deps.Metrics
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		m.ActiveRequests.Inc()
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		m.ActiveRequests.Dec()

		api := chi.URLParam(r, "name")
		if api == "" {
			api = "platform"
		}
		m.RequestsTotal.WithLabelValues(api, r.Method, http.StatusText(sw.status)).Inc()
		m.RequestDuration.WithLabelValues(api, r.Method).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// globalIP resolves the client address through the trusted-proxy rules and
// applies the deployment-wide IP policy before anything else runs.
func (s *server) globalIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sec, err := s.deps.Registry.Security(r.Context())
		if err != nil {
			s.writeError(w, r, gateway.Wrap(gateway.ErrInternal, err))
			return
		}
		ip := ippolicy.ClientIP(r, sec.TrustXFF, sec.XFFTrustedProxies)
		ctx := gateway.ContextWithClientIP(r.Context(), ip)
		if err := s.deps.IP.CheckGlobal(ip, sec, ippolicy.HasForwardingHeaders(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate validates the session token and injects Identity into context.
// Cookie-borne sessions on mutating methods must also echo the CSRF value.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifyRequest(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := gateway.ContextWithIdentity(r.Context(), identity)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// verifyRequest runs token verification plus the CSRF check for cookie
// sessions on state-changing methods.
func (s *server) verifyRequest(r *http.Request) (*gateway.Identity, error) {
	raw := auth.TokenFromRequest(r)
	if raw == "" {
		return nil, gateway.ErrTokenInvalid
	}
	identity, csrf, err := s.deps.Tokens.Verify(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if mutating(r.Method) && fromCookie(r) {
		if err := auth.CheckCSRF(csrf, r.Header.Get(auth.CSRFHeader)); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func fromCookie(r *http.Request) bool {
	c, err := r.Cookie(auth.CookieToken)
	return err == nil && c.Value != ""
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find interface
// implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
