package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass scales base for an error class. With the default
// one second base, server errors back off 1s..10s, rate limiting 5s..60s and
// network errors 2s..30s.
func RetryConfigForErrorClass(errorClass ErrorClass, base RetryConfig) RetryConfig {
	scale := func(initial, ceiling float64) RetryConfig {
		cfg := base
		cfg.InitialBackoff = time.Duration(float64(base.InitialBackoff) * initial)
		cfg.MaxBackoff = time.Duration(float64(base.InitialBackoff) * ceiling)
		return cfg
	}

	switch errorClass {
	case ErrorClassServer:
		return scale(1, 10)
	case ErrorClassRateLimit:
		return scale(5, 60)
	case ErrorClassNetwork:
		return scale(2, 30)
	default:
		return base
	}
}

// backoff returns the un-jittered wait after the given failed attempt.
func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.InitialBackoff) * math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if d > float64(r.MaxBackoff) {
		return r.MaxBackoff
	}
	return time.Duration(d)
}

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// class or base.MaxAttempts is reached. The class of each failure picks the
// backoff. It respects context cancellation and adds jitter to prevent
// thundering herd.
func retryWithBackoff(ctx context.Context, base RetryConfig, fn func() error) error {
	var lastErr error
	var errorClass ErrorClass

	for attempt := 1; attempt <= base.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		// A transport error caused by cancellation is not a network fault
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		if errors.Is(err, ErrContextCancelled) {
			return err
		}

		errorClass = classOf(err)
		if !shouldRetry(errorClass) {
			return err
		}

		// If this was the last attempt, don't wait
		if attempt >= base.MaxAttempts {
			break
		}

		config := RetryConfigForErrorClass(errorClass, base)
		backoff := config.backoff(attempt)

		// Add jitter (±20% randomness)
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = min(apiErr.RetryAfter, config.MaxBackoff)
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

		log.Debug().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	log.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", base.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, base.MaxAttempts, lastErr)
}
