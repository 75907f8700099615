package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/reibot/backend/internal/auth"
	"github.com/reibot/backend/internal/handlers"
	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/middleware"
	"github.com/reibot/backend/internal/payments"
)

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Auth     *auth.Handler
	Jobs     *jobs.Handler
	Payments *payments.Handler
	Accounts *handlers.AccountHandler
	Admin    *handlers.AdminHandler
}

type Options struct {
	ServiceKeyHashes []string
	Tokens           middleware.TokenValidator
	// PaymentLimiter throttles POST /v1/payments per user; nil disables it.
	PaymentLimiter middleware.Limiter
	PaymentLimit   int
	PaymentWindow  time.Duration
	AllowedOrigins []string
	RequestTimeout time.Duration
	DB             Pinger
	Logger         *slog.Logger
}

// New returns the full HTTP surface: service routes under /v1, admin routes
// under /api/v1/admin, the payment webhook and /healthz.
func New(h Handlers, opt Options) http.Handler {
	mux := http.NewServeMux()
	keyAuth := middleware.ServiceKeyAuth(opt.ServiceKeyHashes)
	accessLog := middleware.AccessLog(opt.Logger)
	service := func(next http.Handler) http.Handler { return keyAuth(accessLog(next)) }
	admin := middleware.AdminAuth(opt.Tokens)

	svc := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, service(fn))
	}
	adm := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, admin(fn))
	}

	svc("POST /v1/jobs", h.Jobs.Create)
	svc("GET /v1/jobs/{id}", h.Jobs.Get)
	svc("POST /v1/jobs/{id}/cancel", h.Jobs.Cancel)
	svc("GET /v1/jobs/{id}/position", h.Jobs.Position)

	svc("GET /v1/users/{id}/jobs", h.Jobs.Active)
	svc("GET /v1/users/{id}/balance", h.Accounts.Balance)
	svc("GET /v1/users/{id}/ledger", h.Accounts.History)
	svc("GET /v1/users/{id}/spending", h.Accounts.Spending)

	createPayment := http.Handler(http.HandlerFunc(h.Payments.Create))
	if opt.PaymentLimiter != nil {
		createPayment = middleware.RateLimit(opt.PaymentLimiter, "payment_create", opt.PaymentLimit, opt.PaymentWindow)(createPayment)
	}
	mux.Handle("POST /v1/payments", service(createPayment))
	svc("POST /v1/payments/{provider_id}/check", h.Payments.Check)
	svc("GET /v1/users/{id}/payments", h.Payments.History)

	// The signature check inside the handler guards the webhook.
	mux.HandleFunc("POST /webhooks/payments", h.Payments.Webhook)

	mux.HandleFunc("POST /api/v1/admin/login", h.Auth.Login)
	adm("POST /api/v1/admin/users/{id}/adjust", h.Admin.Adjust)
	adm("POST /api/v1/admin/users/{id}/migrate", h.Admin.MigrateBalance)
	adm("POST /api/v1/admin/users/{id}/ratelimit/reset", h.Admin.ResetRateLimit)
	adm("POST /api/v1/admin/jobs/{id}/cancel", h.Admin.CancelJob)
	adm("GET /api/v1/admin/locks/{user_id}", h.Admin.LockStatus)
	adm("DELETE /api/v1/admin/locks/{user_id}", h.Admin.ForceReleaseLock)
	adm("GET /api/v1/admin/queue", h.Admin.QueueStatus)
	adm("GET /api/v1/admin/pricing", h.Admin.ListPrices)
	adm("PUT /api/v1/admin/pricing", h.Admin.SetPrice)
	adm("DELETE /api/v1/admin/pricing", h.Admin.DeletePrice)
	adm("POST /api/v1/admin/ledger/verify", h.Admin.VerifyLedger)
	adm("POST /api/v1/admin/ledger/rebuild", h.Admin.RebuildCache)
	adm("DELETE /api/v1/admin/ledger/{id}", h.Admin.DeleteLedgerEntry)

	mux.HandleFunc("GET /healthz", health(opt.DB))

	timeout := opt.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   opt.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	})
	return chi.Chain(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		corsHandler.Handler,
		chimw.Timeout(timeout),
	).Handler(mux)
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy","database":"unreachable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}
}
