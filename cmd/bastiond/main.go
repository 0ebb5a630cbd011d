package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bastion-sec/bastion/internal/app"
	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/authz"
	authzhttp "github.com/bastion-sec/bastion/internal/authz/http"
	"github.com/bastion-sec/bastion/internal/observability"
	"github.com/bastion-sec/bastion/internal/operation"
	"github.com/bastion-sec/bastion/internal/platform/cache"
	"github.com/bastion-sec/bastion/internal/platform/db"
	"github.com/bastion-sec/bastion/internal/session"
	"github.com/bastion-sec/bastion/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	alerts := observability.NewLogAlertSink(logger, jobs.NewNotifier(asynqClient))

	catalog := authz.NewCatalog()
	permCache := authz.NewPermissionCache(authz.NewRedisStore(redisClient), cfg.PermCacheTTL, logger)
	permCache.Hooks(
		func() { metrics.CacheEvent("hit") },
		func() { metrics.CacheEvent("miss") },
		func() { metrics.CacheEvent("degraded") },
	)
	registry := authz.NewRegistry(catalog, permCache)

	repo := authz.NewRepository(pool)
	perms, roles, grants, err := repo.Load(ctx)
	if err != nil {
		logger.Error("load catalog state", slog.Any("error", err))
		os.Exit(1)
	}
	if err := catalog.Restore(perms); err != nil {
		logger.Error("restore permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	if err := registry.Restore(roles, grants); err != nil {
		logger.Error("restore role registry", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := authz.NewRateLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow, logger)
	limiter.OnFallback(metrics.LimiterFallback)

	engine := authz.NewEngine(authz.EngineConfig{
		Catalog:   catalog,
		Registry:  registry,
		Evaluator: authz.NewEvaluator(logger),
		Cache:     permCache,
		Limiter:   limiter,
		Logger:    logger,
	})
	engine.OnDecision(func(effect authz.Effect, reason string) {
		metrics.Decision(string(effect), reason)
	})

	sessions := session.NewStore(redisClient, cfg.SessionTTL)
	credentials := session.NewCredentials(pool)

	executor, err := operation.NewExecutor(operation.Config{
		Engine:      engine,
		Sessions:    sessions,
		Scope:       db.NewPgxScope(pool),
		AuditSink:   audit.NewQueueSink(asynqClient, cfg.AuditQueue),
		Metrics:     metrics,
		Alerts:      alerts,
		Logger:      logger,
		ExecTimeout: cfg.ExecTimeout,
		Pool:        pool,
	})
	if err != nil {
		logger.Error("init executor", slog.Any("error", err))
		os.Exit(1)
	}
	executor.RegisterEmergencyProtocol(func(ctx context.Context, opCtx operation.Context, cause error) {
		if opCtx.Principal.ID == "" {
			return
		}
		if err := sessions.RevokeAllForPrincipal(ctx, opCtx.Principal.ID); err != nil {
			logger.Error("emergency session revocation", slog.Any("error", err))
		}
		permCache.InvalidatePrincipal(ctx, opCtx.Principal.ID)
	})

	handler := authzhttp.NewHandler(authzhttp.HandlerConfig{
		Engine:      engine,
		Catalog:     catalog,
		Registry:    registry,
		Repo:        repo,
		Executor:    executor,
		Sessions:    sessions,
		Credentials: credentials,
		Principals:  repo,
		Logger:      logger,
		Environment: cfg.AppEnv,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Handler: handler,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
