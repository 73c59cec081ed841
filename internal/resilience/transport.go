package resilience

import "net/http"

// Transport is an [http.RoundTripper] guarded by a [CircuitBreaker].
// Transport-level failures (connection refused, timeouts) count against
// the breaker; HTTP error statuses from a reachable server do not.
type Transport struct {
	base    http.RoundTripper
	breaker *CircuitBreaker
}

// NewTransport wraps base with a breaker. A nil base uses
// [http.DefaultTransport].
func NewTransport(base http.RoundTripper, cfg CircuitBreakerConfig) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:    base,
		breaker: NewCircuitBreaker(cfg),
	}
}

// RoundTrip forwards the request through the breaker. While the breaker
// is open it fails fast with [ErrCircuitOpen] without dialing.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.breaker.Execute(func() error {
		var rtErr error
		resp, rtErr = t.base.RoundTrip(req)
		return rtErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Breaker exposes the underlying breaker for state inspection.
func (t *Transport) Breaker() *CircuitBreaker { return t.breaker }

// Client returns an *http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}
