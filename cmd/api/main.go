package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/reibot/backend/internal/auth"
	"github.com/reibot/backend/internal/config"
	"github.com/reibot/backend/internal/database"
	"github.com/reibot/backend/internal/events"
	"github.com/reibot/backend/internal/execution"
	"github.com/reibot/backend/internal/joblock"
	"github.com/reibot/backend/internal/jobs"
	"github.com/reibot/backend/internal/ledger"
	"github.com/reibot/backend/internal/middleware"
	"github.com/reibot/backend/internal/payments"
	"github.com/reibot/backend/internal/pricing"
	"github.com/reibot/backend/internal/queue"
	"github.com/reibot/backend/internal/ratelimit"
)

func main() {
	// api hash-key <key> prints the digest to put in service_key_hashes.
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		fmt.Println(middleware.HashKey(os.Args[2]))
		return
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Ledger
	balanceCache := ledger.NewBalanceCache(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), logger, balanceCache)

	// Admission
	limiter := ratelimit.NewLimiter(rateStore(cfg, pool), logger)
	cost := ratelimit.NewCostController(ledgerSvc, ratelimit.CostLimits{
		Hourly:     cfg.Limits.HourlySpendCap,
		Daily:      cfg.Limits.DailySpendCap,
		MinBalance: cfg.Limits.MinBalance,
	}, logger)
	prices := pricing.NewService(pricing.NewRepository(pool), cfg.Pricing.Defaults, logger)

	q, locks := backends(cfg, pool)

	publisher, closeEvents := eventPublisher(cfg, logger)
	defer closeEvents()

	jobsSvc := jobs.NewService(jobs.Deps{
		Store:   jobs.NewRepository(pool),
		Ledger:  ledgerSvc,
		Queue:   q,
		Locks:   locks,
		Limiter: limiter,
		Cost:    cost,
		Events:  publisher,
	}, jobs.ConfigFrom(cfg), logger)

	// Payments
	dedup := payments.NewPostgresDedup(pool)
	paySvc := payments.NewService(pool, payments.NewRepository(pool), ledgerSvc, payments.NewHTTPProvider(cfg.Payment, logger), logger)
	validator, err := payments.NewValidator(payments.ValidatorConfig{
		Secret:     cfg.Webhook.Secret,
		Window:     cfg.Webhook.Window,
		FutureSkew: cfg.Webhook.FutureSkew,
		ReceiptTTL: cfg.Webhook.ReceiptTTL,
	}, dedup)
	if err != nil {
		slog.Warn("Webhook validator disabled, payment notifications will be refused", "error", err)
	}

	// Admin auth
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
	if err := authSvc.Bootstrap(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPasswordHash); err != nil {
		slog.Error("Failed to ensure admin account", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty, admin endpoints are disabled")
	}

	// Maintenance runs as River periodic jobs.
	workers := river.NewWorkers()
	periodic := execution.Maintenance{
		Reaper:       jobsSvc,
		Receipts:     dedup,
		Rates:        limiter,
		Balances:     balanceCache,
		ReapEvery:    cfg.Jobs.ReapInterval,
		ReapBatch:    cfg.Jobs.ReapBatch,
		PurgeEvery:   cfg.Webhook.PurgeEvery,
		CleanupEvery: cfg.Limits.CleanupEvery,
		RateWindow:   cfg.Limits.Window,
		VerifyEvery:  cfg.Workers.VerifyEvery,
		Log:          logger,
	}.Register(workers)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	// Generation workers
	dispatcher := execution.NewDispatcher(q, jobsSvc, execution.NewHTTPGenerator(cfg.Provider),
		cfg.Workers.Count, cfg.Workers.PollInterval, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	handler := buildHandler(cfg, pool, routeDeps{
		ledger:    ledgerSvc,
		cache:     balanceCache,
		jobs:      jobsSvc,
		prices:    prices,
		payments:  paySvc,
		validator: validator,
		auth:      authSvc,
		limiter:   limiter,
		cost:      cost,
		queue:     q,
		locks:     locks,
	}, logger)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	wg.Wait()
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop", "error", err)
	}
	slog.Info("Stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// backends picks the queue and lock implementations. The memory variants
// are only correct for a single process.
func backends(cfg *config.Config, pool *pgxpool.Pool) (queue.Queue, joblock.Locker) {
	var q queue.Queue = queue.NewPostgresQueue(pool)
	if cfg.Queue.Backend == config.BackendMemory {
		slog.Warn("Using in-memory job queue; queued jobs are lost on restart")
		q = queue.NewMemoryQueue()
	}
	var l joblock.Locker = joblock.NewPostgresLocker(pool)
	if cfg.Lock.Backend == config.BackendMemory {
		slog.Warn("Using in-memory job locks; only safe with one API process")
		l = joblock.NewMemoryLocker()
	}
	return q, l
}

// rateStore keeps rate events next to the lock backend.
func rateStore(cfg *config.Config, pool *pgxpool.Pool) ratelimit.Store {
	if cfg.Lock.Backend == config.BackendMemory {
		return ratelimit.NewMemoryStore()
	}
	return ratelimit.NewPostgresStore(pool)
}

func eventPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, func()) {
	if cfg.NATS.URL == "" {
		slog.Info("NATS not configured, job events are not published")
		return events.Noop{}, func() {}
	}
	conn, err := events.Connect(cfg.NATS.URL, logger)
	if err != nil {
		slog.Warn("NATS unavailable, job events are not published", "error", err)
		return events.Noop{}, func() {}
	}
	return events.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, logger), func() {
		if err := conn.Drain(); err != nil {
			slog.Warn("NATS drain", "error", err)
		}
	}
}
