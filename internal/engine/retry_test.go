package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larenas/sagaflow/pkg/schema"
)

func TestCalculateDelay_ExponentialGrowth(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:   10,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
	}

	assert.Equal(t, time.Second, p.CalculateDelay(0))
	assert.Equal(t, 2*time.Second, p.CalculateDelay(1))
	assert.Equal(t, 4*time.Second, p.CalculateDelay(2))
	assert.Equal(t, 8*time.Second, p.CalculateDelay(3))
}

func TestCalculateDelay_CappedAtMaxDelay(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:   100,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
	}

	assert.Equal(t, 60*time.Second, p.CalculateDelay(10))
	assert.Equal(t, 60*time.Second, p.CalculateDelay(50))
}

func TestCalculateDelay_JitterStaysInBounds(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
		JitterFactor:  0.1,
	}

	for i := 0; i < 100; i++ {
		d := p.CalculateDelay(2) // base 4s
		assert.GreaterOrEqual(t, d, 3600*time.Millisecond)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}

func TestCalculateDelay_NeverNegative(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Nanosecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
		JitterFactor:  1.0,
	}

	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, p.CalculateDelay(0), time.Duration(0))
	}
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 10 * time.Millisecond}

	calls := 0
	res := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.LastErr)
}

func TestExecute_StopsOnNonRetryableError(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 10 * time.Millisecond}

	valErr := schema.NewError(schema.ErrCodeValidation, "bad input")
	calls := 0
	res := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return valErr
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastErr, valErr)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 10 * time.Millisecond}

	res := p.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("service unavailable")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	require.Error(t, res.LastErr)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, BackoffFactor: 2, MaxDelay: 2 * time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := p.Execute(ctx, func(ctx context.Context) error {
		return errors.New("i/o timeout")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastErr, context.Canceled)
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: host unreachable" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	var netErr net.Error = fakeNetError{}

	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"net error", netErr, true},
		{"validation saga error", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"circuit open saga error", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"execution saga error", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"connection refused string", errors.New("dial: connection refused"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(schema.RetryConfig{
		MaxAttempts:   7,
		InitialDelay:  "250ms",
		BackoffFactor: 3,
		MaxDelay:      "30s",
		JitterFactor:  0.2,
	})

	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 3.0, p.BackoffFactor)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 0.2, p.JitterFactor)
}

func TestRetryPolicyFromConfig_InvalidFallsBackToDefaults(t *testing.T) {
	p := RetryPolicyFromConfig(schema.RetryConfig{InitialDelay: "not-a-duration"})
	def := DefaultRetryPolicy()

	assert.Equal(t, def.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, def.InitialDelay, p.InitialDelay)
	assert.Equal(t, def.BackoffFactor, p.BackoffFactor)
}
