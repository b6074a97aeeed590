package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBody       = 10 << 20
)

// Client performs the JSON calls live handlers make. Every call goes through
// the host's circuit breaker and is retried per the policy.
type Client struct {
	http     *http.Client
	retry    RetryPolicy
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func WithCircuitBreakers(r *CircuitBreakerRegistry) ClientOption {
	return func(c *Client) { c.breakers = r }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Timeout: defaultRequestTimeout},
		retry:    DefaultRetryPolicy(),
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// Request is one JSON call.
type Request struct {
	Method  string
	URL     string
	Query   map[string]string
	Headers map[string]string
	Body    any
}

// Do sends req and decodes the JSON response. Non-2xx responses are errors.
func (c *Client) Do(ctx context.Context, req Request) (any, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}
	host := target.Host

	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(c.retry, attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := c.breakers.Allow(host); err != nil {
			return nil, err
		}

		out, err := c.once(ctx, req, target.String(), payload)
		if err == nil {
			c.breakers.RecordSuccess(host)
			return out, nil
		}

		lastErr = err
		state := c.breakers.RecordFailure(host)
		c.logger.WarnContext(ctx, "live call failed",
			slog.String("host", host),
			slog.Int("attempt", attempt+1),
			slog.String("circuit", state.String()),
			slog.String("error", err.Error()))

		if !IsRetryableError(err) || state == CircuitOpen {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, req Request, target string, payload []byte) (any, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	if payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &statusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func buildURL(raw string, query map[string]string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerExecution, "invalid endpoint %q", raw)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}
