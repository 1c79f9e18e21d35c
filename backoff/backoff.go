package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Scaled calculates base * multiplier^attempt capped at maxDelay. It is the
// jitter-free growth curve used by consumer retry policies, where
// deterministic spacing matters more than collision avoidance.
func Scaled(base time.Duration, multiplier float64, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	if multiplier < 1 {
		multiplier = 1
	}

	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}

	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// FullJitter returns a random duration in [0, delay). This implements the
// "Full Jitter" strategy, which spreads concurrent reconnect attempts so a
// recovering broker is not hit by a synchronized herd.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay)))
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// WaitContext sleeps for duration while honoring context cancellation.
// Zero or negative durations return immediately.
func WaitContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	}
}
