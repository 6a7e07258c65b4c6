package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailure(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(fastConfig())

	cause := errors.New("request timeout")
	calls := 0
	err := r.Do(context.Background(), "embed", func() error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, cause)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "embed", exhausted.Operation)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestDoReturnsNonRetryableImmediately(t *testing.T) {
	r := New(fastConfig())

	cause := errors.New("invalid api key")
	calls := 0
	err := r.Do(context.Background(), "op", func() error {
		calls++
		return cause
	})

	assert.ErrorIs(t, err, cause)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	r := New(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, "op", func() error {
		calls++
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDoValueReturnsResult(t *testing.T) {
	r := New(fastConfig())

	calls := 0
	got, err := DoValue(context.Background(), r, "op", func() ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("503 service unavailable")
		}
		return []float32{1, 2}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
	assert.Equal(t, 2, calls)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	r := New(Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    300 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, r.delayFor(1))
	assert.Equal(t, 200*time.Millisecond, r.delayFor(2))
	assert.Equal(t, 300*time.Millisecond, r.delayFor(3), "delay should cap at MaxDelay")
}

func TestJitteredDelayStaysInRange(t *testing.T) {
	r := New(Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    time.Minute,
		Jitter:      true,
	})

	for i := 0; i < 50; i++ {
		delay := r.delayFor(1)
		assert.GreaterOrEqual(t, delay, 50*time.Millisecond)
		assert.LessOrEqual(t, delay, 150*time.Millisecond)
	}
}

func TestExhaustedErrorNotRetriedAgain(t *testing.T) {
	r := New(fastConfig())

	inner := &ExhaustedError{Operation: "inner", Attempts: 3, LastError: errors.New("timeout")}
	calls := 0
	err := r.Do(context.Background(), "outer", func() error {
		calls++
		return inner
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, inner)
}
