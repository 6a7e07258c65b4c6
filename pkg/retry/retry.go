// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides resilience primitives for calls to external
// collaborators: a retryer with exponential backoff and a circuit breaker.
//
// Every component that talks to an embedding model, a cross-encoder or a
// vector store wraps its calls through this package so that transient
// failures (timeouts, rate limits, connection resets) are absorbed
// uniformly.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first
	// (default: 3).
	MaxAttempts int

	// BaseDelay is the delay before the first retry (default: 500ms).
	BaseDelay time.Duration

	// Multiplier grows the delay after each attempt (default: 2.0).
	Multiplier float64

	// MaxDelay caps the backoff delay (default: 30s).
	MaxDelay time.Duration

	// Jitter randomizes each delay by ±50% when enabled.
	Jitter bool

	// RetryablePatterns are error substrings that indicate a transient
	// failure. An error matching none of them is returned immediately.
	RetryablePatterns []string
}

// DefaultConfig returns sensible defaults for model and store calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
		RetryablePatterns: []string{
			"timeout",
			"deadline exceeded",
			"connection refused",
			"connection reset",
			"rate limit",
			"too many requests",
			"temporarily unavailable",
			"429",
			"500",
			"502",
			"503",
			"504",
		},
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a retryer, filling unset config fields with defaults.
func New(cfg Config) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if len(cfg.RetryablePatterns) == 0 {
		cfg.RetryablePatterns = DefaultConfig().RetryablePatterns
	}
	return &Retryer{config: cfg}
}

// Do executes fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is exhausted. Exhaustion is reported as an
// *ExhaustedError wrapping the last underlying error.
func (r *Retryer) Do(ctx context.Context, operation string, fn func() error) error {
	_, err := DoValue(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue executes an operation that returns a value, with the same retry
// semantics as Do.
func DoValue[T any](ctx context.Context, r *Retryer, operation string, fn func() (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		if !r.isRetryable(err) {
			slog.Debug("Non-retryable error", "operation", operation, "error", err)
			return zero, err
		}

		if attempt >= r.config.MaxAttempts {
			slog.Warn("Retry budget exhausted",
				"operation", operation,
				"attempts", attempt,
				"error", err)
			return zero, &ExhaustedError{
				Operation: operation,
				Attempts:  attempt,
				LastError: err,
			}
		}

		delay := r.delayFor(attempt)
		slog.Debug("Retrying operation",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// isRetryable reports whether an error should be retried.
func (r *Retryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A caller-cancelled context is never retried. Collaborator timeouts
	// surface as their own error strings and stay retryable.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range r.config.RetryablePatterns {
		if strings.Contains(errStr, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// delayFor computes the backoff delay before the given attempt's retry.
func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}

	if r.config.Jitter {
		// ±50%
		jitter := 0.5 + rand.Float64()
		delay = time.Duration(float64(delay) * jitter)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return delay
}

// ExhaustedError reports that an operation kept failing after all retry
// attempts. It wraps the last underlying error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// IsExhausted checks whether err carries an exhausted retry budget.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}
