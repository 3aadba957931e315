package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/larenas/sagaflow/pkg/schema"
)

// RetryPolicy configures exponential backoff for external calls.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// JitterFactor randomizes each delay by ±JitterFactor of its value.
	// Zero disables jitter.
	JitterFactor float64
}

// DefaultRetryPolicy returns the policy used for step dispatch.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
		JitterFactor:  0.1,
	}
}

// RetryPolicyFromConfig builds a policy from its serialized form. Invalid or
// missing fields fall back to defaults.
func RetryPolicyFromConfig(cfg schema.RetryConfig) *RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if d, err := time.ParseDuration(cfg.InitialDelay); err == nil && d > 0 {
		p.InitialDelay = d
	}
	if cfg.BackoffFactor > 0 {
		p.BackoffFactor = cfg.BackoffFactor
	}
	if d, err := time.ParseDuration(cfg.MaxDelay); err == nil && d > 0 {
		p.MaxDelay = d
	}
	if cfg.JitterFactor > 0 {
		p.JitterFactor = cfg.JitterFactor
	}
	return p
}

// RetryResult summarizes a completed Execute run.
type RetryResult struct {
	Success   bool
	Attempts  int
	TotalTime time.Duration
	LastErr   error
}

// CalculateDelay returns the backoff before retry number attempt (0-based):
// initial * factor^attempt, capped at MaxDelay, then jittered. The result is
// never negative.
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffFactor
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFactor * delay
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Execute runs fn with the policy's backoff until it succeeds, exhausts
// MaxAttempts, hits a non-retryable error, or the context is cancelled.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) RetryResult {
	start := time.Now()
	res := RetryResult{}

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, p.CalculateDelay(attempt-1)); err != nil {
				res.LastErr = err
				break
			}
		}

		res.Attempts++
		err := fn(ctx)
		if err == nil {
			res.Success = true
			res.LastErr = nil
			break
		}
		res.LastErr = err

		if !IsRetryableError(err) {
			break
		}
	}

	res.TotalTime = time.Since(start)
	return res
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, cancelled contexts, typed SagaErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A deadline is a per-call timeout, worth another attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the workflow is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sagaErr *schema.SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative, the policy limits attempts).
	return true
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
