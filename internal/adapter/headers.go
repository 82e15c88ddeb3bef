// Package adapter translates authorized requests into upstream calls for
// each supported protocol: REST passthrough, SOAP envelope handling, GraphQL
// query guarding, and gRPC transcoding. All adapters share one header
// hygiene pass.
package adapter

import (
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// maxHeaderValueLen caps a single forwarded header value.
const maxHeaderValueLen = 8 << 10

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sensitiveHeaders carry gateway credentials and never reach the upstream
// unless the API explicitly allow-lists them.
var sensitiveHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"Set-Cookie":    {},
	"X-Csrf-Token":  {},
}

// ForwardHeaders builds the upstream header set from a client request:
// hop-by-hop and sensitive headers are dropped, every surviving value is
// sanitized, and the API's authorization field swap is applied last.
func ForwardHeaders(r *http.Request, api *gateway.Api) http.Header {
	allowed := make(map[string]struct{}, len(api.AllowedHeaders))
	for _, h := range api.AllowedHeaders {
		allowed[http.CanonicalHeaderKey(h)] = struct{}{}
	}

	out := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		canon := http.CanonicalHeaderKey(name)
		if _, hop := hopByHopHeaders[canon]; hop {
			continue
		}
		if _, sensitive := sensitiveHeaders[canon]; sensitive {
			if _, ok := allowed[canon]; !ok {
				continue
			}
		}
		for _, v := range values {
			if s := SanitizeHeaderValue(v); s != "" {
				out.Add(canon, s)
			}
		}
	}

	// Authorization swap: the named client header's value replaces the
	// upstream Authorization header. The original client Authorization
	// (the gateway credential) never crosses.
	if api.AuthFieldSwap != "" {
		out.Del("Authorization")
		if v := SanitizeHeaderValue(r.Header.Get(api.AuthFieldSwap)); v != "" {
			out.Set("Authorization", v)
			out.Del(http.CanonicalHeaderKey(api.AuthFieldSwap))
		}
	}
	return out
}

// SanitizeHeaderValue strips header-splitting control bytes and markup from
// a value and caps its length.
func SanitizeHeaderValue(v string) string {
	if v == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v))
	inTag := false
	for i := 0; i < len(v) && b.Len() < maxHeaderValueLen; i++ {
		c := v[i]
		switch {
		case c == '\r' || c == '\n' || c == 0:
			// Header splitting bytes are removed outright.
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
		case !inTag:
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}

// ResponseHeaders filters upstream response headers for the client: hop-by-hop
// headers and upstream Set-Cookie values are dropped.
func ResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		canon := http.CanonicalHeaderKey(name)
		if _, hop := hopByHopHeaders[canon]; hop {
			continue
		}
		if canon == "Set-Cookie" {
			continue
		}
		out[canon] = values
	}
	return out
}
