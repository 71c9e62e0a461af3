// Package resilience provides the bounded-retry helper the scheduler uses
// to resolve optimistic-concurrency conflicts against the bbolt-backed
// stores, plus an adaptive circuit breaker for the external stats sink.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrAttemptsExhausted is returned when Retry is called with attempts
// <= 0, so fn never runs. When fn runs and every attempt fails, Retry
// returns fn's last error instead.
var ErrAttemptsExhausted = errors.New("resilience: retry attempts exhausted")

// Retry runs fn up to attempts times with exponential backoff and full
// jitter, stopping early on success or when ctx is done. Unlike the
// teacher's version this is deliberately SMALL and bounded: the
// scheduler's transactional operations need a handful of retries on a
// commit conflict, not an unbounded resilience loop against a flaky
// external dependency.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, ErrAttemptsExhausted
	}
	meter := otel.Meter("swarming/scheduler")
	attemptCounter, _ := meter.Int64Counter("swarm_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("swarm_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("swarm_resilience_retry_fail_total")

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 5*time.Second {
			cur = 5 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
