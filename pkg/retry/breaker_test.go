package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, fail(cb), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen, "open circuit should reject without calling")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(3, 30*time.Second)

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	require.NoError(t, succeed(cb))
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb, now := testBreaker(1, 10*time.Second)

	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	cb, now := testBreaker(1, 10*time.Second)

	require.Error(t, fail(cb))
	*now = now.Add(11 * time.Second)

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	cb, now := testBreaker(1, 10*time.Second)

	require.Error(t, fail(cb))
	*now = now.Add(11 * time.Second)

	require.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, succeed(cb), ErrCircuitOpen)
}

func TestBreakerCancelledContextLeavesStateUntouched(t *testing.T) {
	cb, _ := testBreaker(1, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return errBoom })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
