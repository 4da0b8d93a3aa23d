// Package backoff provides exponential backoff and a context-aware retry
// loop.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Delay calculates the exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Delay(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxDelay := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	delay := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. attempts <= 0 means retry until the context is done.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempts > 0 && attempt >= attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err)
		case <-time.After(Delay(attempt, cfg)):
		}
	}
}
