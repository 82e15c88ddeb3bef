package adapter

import (
	"context"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
)

// Request bundles everything an adapter needs to build the upstream call.
type Request struct {
	Api      *gateway.Api
	Endpoint *gateway.Endpoint
	Upstream string // selected upstream base URL
	Tail     string // request path after /api/<proto>/<name>/<version>
	Body     []byte // buffered client body
	Client   *http.Request

	// CreditHeader/CreditKey inject the monetized upstream key.
	CreditHeader string
	CreditKey    string
}

// JoinURL composes the upstream URL from the base, the API's name/version
// path prefix, the forwarded tail and the original query string.
func (req *Request) JoinURL() string {
	u := strings.TrimSuffix(req.Upstream, "/")
	if req.Api != nil && req.Api.Name != "" {
		u += "/" + req.Api.Name + "/" + req.Api.Version
	}
	if tail := strings.TrimPrefix(req.Tail, "/"); tail != "" {
		u += "/" + tail
	}
	if q := req.Client.URL.RawQuery; q != "" {
		u += "?" + q
	}
	return u
}

// BaseURL is the upstream base plus the query string, for protocols that
// address a single upstream entry point instead of a path.
func (req *Request) BaseURL() string {
	u := strings.TrimSuffix(req.Upstream, "/")
	if q := req.Client.URL.RawQuery; q != "" {
		u += "?" + q
	}
	return u
}

// applyCredit injects the upstream API key for monetized APIs.
func (req *Request) applyCredit(h http.Header) {
	if req.CreditKey == "" {
		return
	}
	header := req.CreditHeader
	if header == "" {
		header = "X-Api-Key"
	}
	h.Set(header, req.CreditKey)
}

// REST forwards requests unchanged: same method, tail path, query and body.
type REST struct{}

// Build constructs the upstream request.
func (REST) Build(ctx context.Context, req *Request) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, req.Client.Method, req.JoinURL(), nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrUpstream, err)
	}
	out.Header = ForwardHeaders(req.Client, req.Api)
	req.applyCredit(out.Header)
	return out, nil
}
