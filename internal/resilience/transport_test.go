package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// failingTripper always fails at the transport level.
type failingTripper struct{ calls int }

func (f *failingTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, fmt.Errorf("dial tcp: connection refused")
}

func TestTransport_PassesThroughSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	tr := NewTransport(nil, CircuitBreakerConfig{Name: "test"})
	resp, err := tr.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want 418", resp.StatusCode)
	}
	if got := tr.Breaker().State(); got != StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

func TestTransport_HTTPErrorDoesNotTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport(nil, CircuitBreakerConfig{Name: "test", MaxFailures: 2})
	for i := 0; i < 5; i++ {
		resp, err := tr.Client().Get(srv.URL)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if got := tr.Breaker().State(); got != StateClosed {
		t.Errorf("breaker state = %v, want closed after 5xx responses", got)
	}
}

func TestTransport_OpensAfterTransportFailures(t *testing.T) {
	t.Parallel()
	ft := &failingTripper{}
	tr := NewTransport(ft, CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})
	client := tr.Client()

	for i := 0; i < 3; i++ {
		if _, err := client.Get("http://unreachable.invalid/"); err == nil {
			t.Fatalf("Get %d should fail", i)
		}
	}
	if got := tr.Breaker().State(); got != StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	// Open breaker fails fast without touching the base transport.
	before := ft.calls
	_, err := client.Get("http://unreachable.invalid/")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if ft.calls != before {
		t.Errorf("base transport called while breaker open")
	}
}
