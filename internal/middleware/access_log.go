package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// callerPrefixLen is how much of the key digest goes into the access log.
const callerPrefixLen = 12

// AccessLog logs one line per request on service-key routes. It must run
// inside ServiceKeyAuth so the caller's key digest is in the context.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			caller := ServiceKeyFromCtx(r.Context())
			if len(caller) > callerPrefixLen {
				caller = caller[:callerPrefixLen]
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", caller,
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
