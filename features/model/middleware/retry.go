package middleware

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/telemetry"
)

// RetryConfig configures the Retry middleware.
type RetryConfig struct {
	// MaxAttempts is the maximum number of calls including the first one.
	// A value of 0 or 1 disables retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry. Defaults to 2.
	BackoffMultiplier float64
	// Jitter randomizes each delay by up to this fraction (0.1 = ±10%).
	Jitter float64
	// Logger reports retried failures. Defaults to a no-op logger.
	Logger telemetry.Logger
}

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	// Attempts is the number of calls made.
	Attempts int
	// TotalDuration is the time spent across all attempts.
	TotalDuration time.Duration
	// LastError is the error of the final attempt.
	LastError error
}

// DefaultRetryConfig returns the retry policy used by the CLI.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("model retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the last error so callers can still match sentinels such
// as model.ErrRateLimited.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Retry returns a middleware that retries calls failing with errors
// model.IsRetryable accepts. Refusals, empty responses and invalid requests
// are returned immediately.
func Retry(cfg RetryConfig) model.Middleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = max(cfg.InitialBackoff, time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return func(next model.Backend) model.Backend {
		if next == nil {
			return nil
		}
		return model.BackendFunc(func(ctx context.Context, req *model.Request) (*model.Response, error) {
			return retryComplete(ctx, cfg, next, req)
		})
	}
}

func retryComplete(ctx context.Context, cfg RetryConfig, next model.Backend, req *model.Request) (*model.Response, error) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, err := next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !model.IsRetryable(err) {
			return nil, err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		backoff := calculateBackoff(cfg, attempt)
		cfg.Logger.Warn(ctx, "retrying model call", "attempt", attempt, "backoff", backoff.String(), "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if cfg.MaxAttempts == 1 {
		return nil, lastErr
	}
	return nil, &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// calculateBackoff computes initial * multiplier^(attempt-1), capped at
// MaxBackoff, with jitter applied.
func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	backoff = min(backoff, float64(cfg.MaxBackoff))
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}
