package handlers

import (
	"sync"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// CircuitState is the state of one host's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures every breaker in a registry.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time open before a probe is allowed
	HalfOpenMax      int           // probes allowed while half-open
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state          CircuitState
	failures       int
	lastFailure    time.Time
	halfOpenProbes int
}

// CircuitBreakerRegistry keeps one breaker per remote host, so a failing
// enrichment API does not block the mail API.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to host may proceed, or a
// HANDLER_UNAVAILABLE error while the circuit is open.
func (r *CircuitBreakerRegistry) Allow(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(host)

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.lastFailure) >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenProbes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeHandlerUnavailable,
			"circuit open for %s after %d consecutive failures", host, b.failures).
			WithDetails(map[string]any{
				"host":                 host,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.config.Cooldown - r.now().Sub(b.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenProbes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeHandlerUnavailable,
				"circuit half-open for %s: probe already in flight", host)
		}
		b.halfOpenProbes++
	}
	return nil
}

func (r *CircuitBreakerRegistry) RecordSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(host)
	b.failures = 0
	b.halfOpenProbes = 0
	b.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(host string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(host)
	b.failures++
	b.lastFailure = r.now()

	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State reports the current state for host.
func (r *CircuitBreakerRegistry) State(host string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(host)
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenProbes = 0
	}
	return b.state
}

func (r *CircuitBreakerRegistry) get(host string) *breaker {
	b, ok := r.breakers[host]
	if !ok {
		b = &breaker{}
		r.breakers[host] = b
	}
	return b
}
