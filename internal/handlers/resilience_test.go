package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

// fastClient retries quickly so tests do not sleep.
func fastClient(attempts int, breakers *CircuitBreakerRegistry) *Client {
	opts := []ClientOption{WithRetryPolicy(RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     "constant",
		Delay:       time.Millisecond,
	})}
	if breakers != nil {
		opts = append(opts, WithCircuitBreakers(breakers))
	}
	return NewClient(opts...)
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"none delay", RetryPolicy{Backoff: "exponential"}, 3, 0},
		{"constant", RetryPolicy{Backoff: "constant", Delay: 100 * time.Millisecond}, 4, 100 * time.Millisecond},
		{"linear", RetryPolicy{Backoff: "linear", Delay: 100 * time.Millisecond}, 2, 300 * time.Millisecond},
		{"exponential", RetryPolicy{Backoff: "exponential", Delay: 100 * time.Millisecond}, 3, 800 * time.Millisecond},
		{"capped", RetryPolicy{Backoff: "exponential", Delay: time.Second, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &statusError{StatusCode: 503}, true},
		{"rate limited", &statusError{StatusCode: 429}, true},
		{"bad request", &statusError{StatusCode: 400}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"circuit open", schema.NewError(schema.ErrCodeHandlerUnavailable, "open"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second, HalfOpenMax: 1})

	assert.NoError(t, r.Allow("api.apollo.io"))
	r.RecordFailure("api.apollo.io")
	r.RecordFailure("api.apollo.io")
	assert.Equal(t, CircuitClosed, r.State("api.apollo.io"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("api.apollo.io"))
	err := r.Allow("api.apollo.io")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))

	// Other hosts are unaffected.
	assert.NoError(t, r.Allow("api.builtwith.com"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.RecordFailure("h")
	assert.Error(t, r.Allow("h"))

	now = now.Add(time.Minute)
	require.NoError(t, r.Allow("h"), "first probe after cooldown")
	assert.Error(t, r.Allow("h"), "second probe while half-open")

	r.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, r.State("h"))
	assert.NoError(t, r.Allow("h"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Second, HalfOpenMax: 1})
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.RecordFailure("h")
	r.RecordFailure("h")
	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, r.State("h"))
	require.NoError(t, r.Allow("h"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("h"))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := fastClient(3, nil).Do(context.Background(), Request{
		Method: "POST",
		URL:    srv.URL,
		Query:  map[string]string{"q": "v"},
		Body:   map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := fastClient(3, nil).Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_CircuitOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1})
	c := fastClient(5, breakers)

	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load(), "retries stop once the circuit opens")

	_, err = c.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
	assert.Equal(t, int32(2), hits.Load())

	u, _ := url.Parse(srv.URL)
	assert.Equal(t, CircuitOpen, breakers.State(u.Host))
}

func TestClient_RejectsNonHTTPEndpoints(t *testing.T) {
	_, err := NewClient().Do(context.Background(), Request{URL: "file:///etc/passwd"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandlerExecution, schema.CodeOf(err))
}
