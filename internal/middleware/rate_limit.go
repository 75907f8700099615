package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/reibot/backend/internal/ratelimit"
)

// maxPeekBody bounds how much of the body RateLimit buffers.
const maxPeekBody = 1 << 20

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, userID int64, action string, limit int, window time.Duration) ratelimit.Decision
}

type peekedUser struct {
	UserID int64 `json:"user_id"`
}

// RateLimit throttles a JSON endpoint per user. It reads "user_id" from the
// body, then replaces r.Body so the handler can re-read it. Requests without
// a user id pass through for the handler to reject.
func RateLimit(l Limiter, action string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek peekedUser
			if err := json.Unmarshal(bodyBytes, &peek); err != nil || peek.UserID <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), peek.UserID, action, limit, window)
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
