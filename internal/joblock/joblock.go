// Package joblock grants each user at most one running paid job through a
// leased, non-blocking mutex.
package joblock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a crashed holder can block its user.
const DefaultTTL = 300 * time.Second

var ErrInvalidToken = errors.New("joblock: invalid token")

// Token proves ownership of a user's lease. It is opaque to callers.
type Token struct {
	UserID int64
	Value  string
}

func newToken(userID int64) Token {
	return Token{UserID: userID, Value: uuid.NewString()}
}

// String encodes the token for storage on the job row.
func (t Token) String() string { return t.Value }

// Locker is implemented by the Postgres and in-memory backends.
type Locker interface {
	// Acquire never blocks. ok is false while another live lease exists.
	Acquire(ctx context.Context, userID int64, ttl time.Duration) (tok Token, ok bool, err error)
	// Release deletes the lease only if tok still owns it.
	Release(ctx context.Context, tok Token) (bool, error)
	IsLocked(ctx context.Context, userID int64) (bool, error)
	// ForceRelease drops any lease on userID regardless of owner.
	ForceRelease(ctx context.Context, userID int64) (bool, error)
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
