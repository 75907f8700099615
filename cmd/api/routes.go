package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reibot/backend/internal/auth"
	"github.com/reibot/backend/internal/config"
	"github.com/reibot/backend/internal/handlers"
	"github.com/reibot/backend/internal/joblock"
	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/payments"
	"github.com/reibot/backend/internal/pricing"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
	"github.com/reibot/backend/internal/router"
)

type routeDeps struct {
	ledger    *ledger.Service
	cache     *ledger.BalanceCache
	jobs      *jobs.Service
	prices    *pricing.Service
	payments  *payments.Service
	validator *payments.Validator
	auth      auth.Service
	limiter   *ratelimit.Limiter
	cost      *ratelimit.CostController
	queue     queue.Queue
	locks     joblock.Locker
}

// buildHandler wires the HTTP handlers.
// Middleware chain: RequestID -> RealIP -> Recoverer -> CORS -> Timeout ->
// (ServiceKeyAuth -> AccessLog | AdminAuth) -> handler.
func buildHandler(cfg *config.Config, pool *pgxpool.Pool, d routeDeps, logger *slog.Logger) http.Handler {
	return router.New(router.Handlers{
		Auth:     auth.NewHandler(d.auth, logger),
		Jobs:     jobs.NewHandler(d.jobs, d.prices, logger),
		Payments: payments.NewHandler(d.payments, d.validator, logger),
		Accounts: &handlers.AccountHandler{
			Ledger: d.ledger,
			Cache:  d.cache,
			Spend:  d.cost,
			Logger: logger,
		},
		Admin: &handlers.AdminHandler{
			Ledger:  d.ledger,
			Cache:   d.cache,
			Limiter: d.limiter,
			Jobs:    d.jobs,
			Locks:   d.locks,
			Queue:   d.queue,
			Prices:  d.prices,
			Logger:  logger,
		},
	}, router.Options{
		ServiceKeyHashes: cfg.Server.ServiceKeyHashes,
		Tokens:           d.auth,
		PaymentLimiter:   d.limiter,
		PaymentLimit:     cfg.Limits.RequestsPerWindow,
		PaymentWindow:    cfg.Limits.Window,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		RequestTimeout:   cfg.Server.RequestTimeout,
		DB:               pool,
		Logger:           logger,
	})
}
