package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/larenas/sagaflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before transitioning to half-open.
	RecoveryTimeout time.Duration
	// HalfOpenMax is the number of trial requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single capability.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-capability circuit breakers, keyed by
// action type.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[schema.ActionType]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[schema.ActionType]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the given capability is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN SagaError if the circuit rejects it.
func (r *CircuitBreakerRegistry) AllowRequest(at schema.ActionType) error {
	cb := r.getOrCreate(at)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the trial call
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q: %d consecutive failures",
			at, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"action_type":          string(at),
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"recovery_remaining":   (cb.config.RecoveryTimeout - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: trial call in flight", at)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful execution for the capability.
func (r *CircuitBreakerRegistry) RecordSuccess(at schema.ActionType) {
	cb := r.getOrCreate(at)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed execution for the capability.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(at schema.ActionType) CircuitState {
	cb := r.getOrCreate(at)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure during the trial reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a capability.
func (r *CircuitBreakerRegistry) GetState(at schema.ActionType) CircuitState {
	cb := r.getOrCreate(at)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(at schema.ActionType) map[string]any {
	cb := r.getOrCreate(at)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"action_type":          string(at),
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"recovery_timeout":     cb.config.RecoveryTimeout.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(at schema.ActionType) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[at]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[at] = cb
	}
	return cb
}

// RetryWithCircuitBreaker composes the retry policy with the breaker. An open
// circuit fails fast without consuming a retry attempt; outcomes of allowed
// calls feed the breaker's failure counter.
func RetryWithCircuitBreaker(ctx context.Context, policy *RetryPolicy, breakers *CircuitBreakerRegistry, at schema.ActionType, fn func(ctx context.Context) error) RetryResult {
	start := time.Now()
	res := RetryResult{}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, policy.CalculateDelay(attempt-1)); err != nil {
				res.LastErr = err
				break
			}
		}

		if err := breakers.AllowRequest(at); err != nil {
			// Rejected calls never reached the capability; do not count them
			// as attempts and stop immediately.
			res.LastErr = err
			break
		}

		res.Attempts++
		err := fn(ctx)
		if err == nil {
			breakers.RecordSuccess(at)
			res.Success = true
			res.LastErr = nil
			break
		}
		res.LastErr = err
		breakers.RecordFailure(at)

		if !IsRetryableError(err) {
			break
		}
	}

	res.TotalTime = time.Since(start)
	return res
}

// IsCircuitOpenError reports whether err is a circuit breaker rejection.
func IsCircuitOpenError(err error) bool {
	var sagaErr *schema.SagaError
	return errors.As(err, &sagaErr) && sagaErr.Code == schema.ErrCodeCircuitOpen
}
