// Package backoff provides capped exponential retry delays with jitter
// and a small polling helper used by components that wait on external
// readiness.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds backoff parameters. Delay for attempt n is
// min(Base * Factor^n, MaxDelay) plus a random jitter in [0, Jitter).
type Config struct {
	Base     time.Duration
	Factor   float64
	MaxDelay time.Duration
	Jitter   time.Duration
}

// DefaultConfig returns a conservative backoff suitable for queue
// redelivery pacing
func DefaultConfig() Config {
	return Config{
		Base:     500 * time.Millisecond,
		Factor:   2.0,
		MaxDelay: 2 * time.Minute,
		Jitter:   250 * time.Millisecond,
	}
}

// Delay computes the backoff delay for the given attempt number (0-based).
// The exponential term is computed in floating point and capped before
// conversion so high attempt counts cannot overflow time.Duration.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := c.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	factor := c.Factor
	if factor < 1 {
		factor = 2.0
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(maxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		d = float64(maxDelay)
	}

	delay := time.Duration(d)
	if c.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(c.Jitter)))
	}
	return delay
}

// PollUntil calls predicate every interval until it returns true, the
// timeout elapses, or ctx is cancelled. It returns true only if the
// predicate succeeded. Predicate errors are swallowed and treated as
// "not ready yet"; the caller owns deciding what readiness means.
func PollUntil(ctx context.Context, predicate func(context.Context) bool, interval, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if predicate(ctx) {
		return true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if predicate(ctx) {
				return true
			}
		}
	}
}
