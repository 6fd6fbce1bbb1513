package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/config"
	"github.com/vnmchuo/agent-ledger/internal/api"
	"github.com/vnmchuo/agent-ledger/internal/auth"
	"github.com/vnmchuo/agent-ledger/internal/billing"
	"github.com/vnmchuo/agent-ledger/internal/instrument"
	"github.com/vnmchuo/agent-ledger/internal/metrics"
	"github.com/vnmchuo/agent-ledger/internal/migrate"
	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
	"github.com/vnmchuo/agent-ledger/internal/seeder"
	"github.com/vnmchuo/agent-ledger/internal/telemetry"
	"github.com/vnmchuo/agent-ledger/internal/worker"
	"github.com/vnmchuo/agent-ledger/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Init logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, "agent-ledger", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Connect PostgreSQL
	if cfg.RunMigrations {
		if err := migrate.Up(ctx, cfg.PostgresDSN); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 6. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)
	if err := seeder.SeedReportingKey(ctx, authStore, cfg.SeedAPIKey, logger); err != nil {
		logger.Fatal("failed to seed reporting key", zap.Error(err))
	}

	// 7. Init pricing
	table := pricing.Default()
	if cfg.PricingFile != "" {
		if table, err = pricing.LoadFile(cfg.PricingFile); err != nil {
			logger.Fatal("failed to load pricing", zap.String("path", cfg.PricingFile), zap.Error(err))
		}
	}
	calc, err := pricing.NewCalculator(table)
	if err != nil {
		logger.Fatal("invalid pricing table", zap.Error(err))
	}
	tools := registry.Default()

	// 8. Init billing
	store := billing.NewBreakerStore(billing.NewPostgresStore(pool), billing.DefaultBreakerSettings(), logger)
	usageSvc := billing.NewUsageService(store, logger, m)
	purchaseSvc := billing.NewPurchaseService(store, billing.PurchaseConfig{
		SellerID:    cfg.PurchaseSellerID,
		CheckSeller: cfg.PurchaseCheckSeller,
	}, logger, m)

	// 9. Init usage dispatch
	qcfg := worker.DefaultConfig("usage")
	qcfg.Size = cfg.UsageQueueSize
	qcfg.Workers = cfg.UsageWorkers
	qcfg.Timeout = cfg.UsageRecordTimeout
	queue := worker.New[billing.UsageRecord](qcfg, usageSvc.Record, logger, m)

	go func() {
		for err := range queue.Errors() {
			logger.Warn("usage recording error", zap.Error(err))
		}
	}()

	instrumenter := instrument.New(tools, calc, queue, logger)

	// 10. Init HTTP
	limiter := ratelimit.NewLimiter(rdb, cfg.ReportingRateLimitRPM)
	tracer := otel.GetTracerProvider().Tracer("agent-ledger")
	handler := api.NewHandler(tools, usageSvc, purchaseSvc, instrumenter, queue, tracer, logger)
	router := api.NewRouter(handler, authMiddleware, limiter, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("agent ledger starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	// Pending usage records are flushed after the server stops accepting calls.
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error("usage queue not drained", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
