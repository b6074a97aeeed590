package handlers

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// RetryPolicy bounds how a live call is retried. Retries live here, inside
// handler I/O, and never in the executor.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     string // none, constant, linear, exponential
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries three times with exponential backoff from 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     "exponential",
		Delay:       200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// statusError is an HTTP response outside 2xx.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.StatusCode) + ": " + e.Body
}

// IsRetryableError classifies a live-call failure. Timeouts, network errors,
// 5xx and 429 are retried; other statuses, cancellation and open circuits
// are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}

	if schema.CodeOf(err) == schema.ErrCodeHandlerUnavailable {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.Delay << uint(attempt)
	case "linear":
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or until ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
