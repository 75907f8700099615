package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy bounds an exponential backoff.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the fraction of the delay added at random (0-1).
	Jitter float64
}

// Default returns the policy used for database and provider calls.
func Default() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
}

// Delay is the wait before retrying after the given failed attempt
// (1-based), without jitter: InitialDelay doubled by BackoffFactor per
// attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Backoff is Delay plus up to Jitter of it at random.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		d += time.Duration(float64(d) * p.Jitter * rand.Float64())
	}
	return d
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// attempts run out. The last error is returned wrapped with operation.
func Do(ctx context.Context, logger *slog.Logger, p Policy, operation string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			if attempt > 1 {
				logger.Warn("operation failed after retries", "operation", operation, "attempts", attempt, "error", err)
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		sleep := p.Backoff(attempt)
		logger.Warn("retrying after transient error", "operation", operation, "attempt", attempt, "retry_delay", sleep, "error", err)

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-t.C:
		}
	}
}
