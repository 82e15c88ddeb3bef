package invoke

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/heimdall/internal"
)

// Timeouts are the effective per-call timeouts after merging environment
// defaults with per-API overrides.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// Merge applies the API's millisecond overrides onto the defaults.
func (t Timeouts) Merge(api *gateway.Api) Timeouts {
	out := t
	if api.ConnectTimeoutMs > 0 {
		out.Connect = time.Duration(api.ConnectTimeoutMs) * time.Millisecond
	}
	if api.ReadTimeoutMs > 0 {
		out.Read = time.Duration(api.ReadTimeoutMs) * time.Millisecond
	}
	if api.WriteTimeoutMs > 0 {
		out.Write = time.Duration(api.WriteTimeoutMs) * time.Millisecond
	}
	return out
}

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	Max        int           // additional attempts after the first
	Backoff    time.Duration // base backoff
	BackoffCap time.Duration // backoff ceiling
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, connectTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: connectTimeout}
		if resolver == nil {
			return d.DialContext(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	t.DialContext = dial
	return t
}

// Result is a buffered upstream response.
type Result struct {
	Status  int
	Header  http.Header
	Body    []byte
	Retries int
}

// Invoker performs upstream HTTP calls with breaker protection and bounded
// retries. Request bodies are buffered by the adapters before invocation, so
// replay across retries is always possible.
type Invoker struct {
	client   *http.Client
	breakers *BreakerRegistry
	timeouts Timeouts
	retry    RetryPolicy

	// OnRetry, when set, observes each retry for metrics.
	OnRetry func(bucketKey string)

	rnd func() float64 // uniform [0,1), swappable in tests
}

// NewInvoker creates an Invoker. breakers may be nil to disable circuit
// breaking.
func NewInvoker(resolver *dnscache.Resolver, breakers *BreakerRegistry, timeouts Timeouts, retry RetryPolicy) *Invoker {
	return &Invoker{
		client:   &http.Client{Transport: NewTransport(resolver, timeouts.Connect)},
		breakers: breakers,
		timeouts: timeouts,
		retry:    retry,
		rnd:      rand.Float64,
	}
}

// Do sends the prepared request to the upstream, retrying transient failures
// within the API's retry budget. The breaker for the API's bucket is
// consulted before any network activity.
func (inv *Invoker) Do(ctx context.Context, api *gateway.Api, req *http.Request, body []byte) (*Result, error) {
	var breaker *Breaker
	if inv.breakers != nil {
		breaker = inv.breakers.GetOrCreate(api.BucketKey())
		if !breaker.Allow() {
			return nil, gateway.ErrCircuitOpen
		}
	}

	timeouts := inv.timeouts.Merge(api)
	maxAttempts := 1 + inv.retry.Max
	if api.RetryCount > 0 {
		maxAttempts = 1 + api.RetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.sleepBackoff(ctx, attempt-1); err != nil {
				break
			}
			if inv.OnRetry != nil {
				inv.OnRetry(api.BucketKey())
			}
		}

		res, err := inv.once(ctx, req, body, timeouts)
		if err == nil && !transientStatus(res.Status) {
			res.Retries = attempt - 1
			if breaker != nil {
				if res.Status >= http.StatusInternalServerError {
					breaker.RecordFailure()
				} else {
					breaker.RecordSuccess()
				}
			}
			return res, nil
		}
		if err != nil {
			lastErr = err
			if !Transient(err) {
				break
			}
		} else {
			lastErr = gateway.Errf(gateway.ErrUpstream, "upstream returned %d", res.Status)
			if attempt == maxAttempts {
				// Out of retries: surface the upstream response as-is.
				res.Retries = attempt - 1
				if breaker != nil {
					breaker.RecordFailure()
				}
				return res, nil
			}
		}
	}

	if breaker != nil {
		breaker.RecordFailure()
	}
	if ctx.Err() != nil {
		return nil, gateway.Wrap(gateway.ErrUpstream, ctx.Err())
	}
	return nil, gateway.Wrap(gateway.ErrUpstream, lastErr)
}

// DoUnary runs a non-HTTP upstream call under the same breaker and retry
// budget as Do. Errors carrying the upstream sentinel are treated as
// transient and retried with backoff; anything else aborts immediately
// without touching the breaker, since it never reached the upstream.
func (inv *Invoker) DoUnary(ctx context.Context, api *gateway.Api, call func(context.Context) error) (retries int, err error) {
	var breaker *Breaker
	if inv.breakers != nil {
		breaker = inv.breakers.GetOrCreate(api.BucketKey())
		if !breaker.Allow() {
			return 0, gateway.ErrCircuitOpen
		}
	}

	maxAttempts := 1 + inv.retry.Max
	if api.RetryCount > 0 {
		maxAttempts = 1 + api.RetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.sleepBackoff(ctx, attempt-1); err != nil {
				break
			}
			if inv.OnRetry != nil {
				inv.OnRetry(api.BucketKey())
			}
		}
		err := call(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return attempt - 1, nil
		}
		lastErr = err
		if !errors.Is(err, gateway.ErrUpstream) {
			return attempt - 1, err
		}
	}

	if breaker != nil {
		breaker.RecordFailure()
	}
	if ctx.Err() != nil {
		return maxAttempts - 1, gateway.Wrap(gateway.ErrUpstream, ctx.Err())
	}
	return maxAttempts - 1, lastErr
}

// once performs a single attempt with a fresh body reader and read deadline.
func (inv *Invoker) once(ctx context.Context, req *http.Request, body []byte, timeouts Timeouts) (*Result, error) {
	attemptCtx := ctx
	if timeouts.Read > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeouts.Read)
		defer cancel()
	}

	r := req.Clone(attemptCtx)
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	resp, err := inv.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// sleepBackoff waits a full-jitter backoff: uniform between zero and
// min(cap, base*2^(retry-1)). Returns early when ctx expires.
func (inv *Invoker) sleepBackoff(ctx context.Context, retry int) error {
	base := inv.retry.Backoff
	if base <= 0 {
		return nil
	}
	ceiling := base << (retry - 1)
	if limit := inv.retry.BackoffCap; limit > 0 && ceiling > limit {
		ceiling = limit
	}
	d := time.Duration(inv.rnd() * float64(ceiling))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transientStatus reports whether an upstream status is worth retrying.
func transientStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Transient reports whether an error represents a transient transport
// failure (timeouts, refused connections, reset streams).
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
