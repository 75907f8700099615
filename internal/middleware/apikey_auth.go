package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/reibot/backend/internal/auth"
)

type contextKey string

const (
	ctxServiceKey contextKey = "service_key"
	ctxAdminKey   contextKey = "admin"
)

// ServiceKeyAuth authenticates requests by hashing the Bearer token
// (SHA-256) and comparing it against the configured hex digests. On success
// it stores the matching digest in the request context.
func ServiceKeyAuth(hashes []string) func(http.Handler) http.Handler {
	digests := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		if b, err := hex.DecodeString(strings.TrimSpace(h)); err == nil && len(b) == sha256.Size {
			digests = append(digests, b)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			sum := sha256.Sum256([]byte(raw))
			matched := false
			for _, d := range digests {
				if subtle.ConstantTimeCompare(sum[:], d) == 1 {
					matched = true
				}
			}
			if !matched {
				http.Error(w, `{"error":"invalid service key"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxServiceKey, hex.EncodeToString(sum[:]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKeyFromCtx returns the digest of the key that authenticated the request.
func ServiceKeyFromCtx(ctx context.Context) string {
	k, _ := ctx.Value(ctxServiceKey).(string)
	return k
}

// TokenValidator is satisfied by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Claims, error)
}

// AdminAuth requires a Bearer JWT carrying the admin role.
func AdminAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			c, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if c.Role != auth.RoleAdmin {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), c)))
		})
	}
}

// AdminFromCtx returns the authenticated admin or nil.
func AdminFromCtx(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxAdminKey).(*auth.Claims)
	return c
}

// WithAdmin returns a context carrying the given admin claims.
func WithAdmin(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, ctxAdminKey, c)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashKey returns the hex SHA-256 digest stored in service_key_hashes.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
