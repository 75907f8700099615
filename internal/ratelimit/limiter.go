// Package ratelimit throttles job admission per user: a sliding-window
// request counter and ruble spending caps derived from the ledger.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest event leaves the window.
	RetryAfter time.Duration
}

// Store keeps per-(user, action) event timestamps.
type Store interface {
	// Hit drops events at or before now-window, counts the rest and records
	// one event at now when the count is below limit. oldest is the earliest
	// remaining event, zero when none.
	Hit(ctx context.Context, userID int64, action string, now time.Time, window time.Duration, limit int) (count int, oldest time.Time, err error)
	Reset(ctx context.Context, userID int64) error
	// Cleanup deletes events older than before across all users.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

type Limiter struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewLimiter(store Store, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, log: log, now: time.Now}
}

// Allow records one action if the user is under limit within window. When
// the store fails the request is allowed.
func (l *Limiter) Allow(ctx context.Context, userID int64, action string, limit int, window time.Duration) Decision {
	now := l.now()
	count, oldest, err := l.store.Hit(ctx, userID, action, now, window, limit)
	if err != nil {
		l.log.Warn("rate limiter store unavailable, allowing request",
			"user_id", userID, "action", action, "error", err)
		return Decision{Allowed: true, Remaining: limit}
	}
	if count >= limit {
		wait := window - now.Sub(oldest)
		if oldest.IsZero() || wait < 0 {
			wait = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}
	}
	return Decision{Allowed: true, Remaining: limit - count - 1}
}

// Reset clears every counter for userID.
func (l *Limiter) Reset(ctx context.Context, userID int64) error {
	return l.store.Reset(ctx, userID)
}

// Cleanup drops events older than maxWindow.
func (l *Limiter) Cleanup(ctx context.Context, maxWindow time.Duration) (int64, error) {
	return l.store.Cleanup(ctx, l.now().Add(-maxWindow))
}
