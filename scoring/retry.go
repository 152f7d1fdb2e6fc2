package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dhcgn/jobspool/model"
)

// ErrMaxAttemptsExceeded is returned when every attempt failed with a
// retryable error.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// RetryConfig configures in-call retries. Attempts include the first call.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	IsRetryable  func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  IsTransient,
	}
}

// IsTransient reports whether err is marked model.ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, model.ErrTransient)
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. The delay grows by Multiplier up to MaxDelay.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !cfg.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
		delay = min(delay, cfg.MaxDelay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}
