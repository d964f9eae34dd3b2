// Package resilience wraps outbound narration calls with retries and a
// circuit breaker so a degraded LLM endpoint slows enrichment down instead
// of failing whole runs.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls how DoVal retries a failed call.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. It doubles on
	// each subsequent retry, capped at MaxBackoff.
	InitialBackoff time.Duration

	MaxBackoff time.Duration

	// OnRetry, if set, is called with the attempt number and the error that
	// triggered the retry.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig suits short-lived API calls made inside a run's
// enrichment window.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// DoVal calls fn until it succeeds, returns a non-transient error, the
// attempt budget runs out, or ctx is done. Only errors that IsTransient
// recognizes are retried.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(backoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// backoff doubles the initial delay per attempt and adds up to 25% jitter
// so concurrent runs retrying the same endpoint do not sync up.
func backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.InitialBackoff << attempt
	if delay > cfg.MaxBackoff || delay <= 0 {
		delay = cfg.MaxBackoff
	}
	return delay + time.Duration(rand.Int64N(int64(delay)/4+1))
}

// RetryLogger returns an OnRetry callback that logs each retry at warn level.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
