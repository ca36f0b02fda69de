package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/optica-commerce/optica-catalog/cmd/catalog/cli"
	"github.com/optica-commerce/optica-catalog/internal/app"
	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/migration"
	"github.com/optica-commerce/optica-catalog/internal/observability"
	"github.com/optica-commerce/optica-catalog/internal/platform/cache"
	"github.com/optica-commerce/optica-catalog/internal/platform/db"
	"github.com/optica-commerce/optica-catalog/internal/query"
	"github.com/optica-commerce/optica-catalog/internal/source"
	syncsvc "github.com/optica-commerce/optica-catalog/internal/sync"
	"github.com/optica-commerce/optica-catalog/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		if err := cli.Run(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Read paths degrade without Redis, so a failed ping only disables
	// the cache instead of blocking startup.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	cache := query.NewCache(redisClient, cfg.CacheTTL, metrics.Registerer())

	store := catalog.NewRepository(pool)
	validator := catalog.NewValidator()
	collection := catalog.NewService(store, validator, logger, cache)

	queryService := query.NewService(collection, cache, logger)
	queryHandler := query.NewHandler(queryService)

	connector := source.NewQMSConnector(source.QMSConfig{
		BaseURL:       cfg.SourceBaseURL,
		APIKey:        cfg.SourceAPIKey,
		WebhookSecret: cfg.SourceWebhookSecret,
		PageSize:      cfg.SourcePageSize,
	}, collection)

	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	deadLetters := syncsvc.NewDeadLetterStore(pool)
	syncService := syncsvc.NewService(collection, connector, nil, logger)
	syncHandler := syncsvc.NewHandler(logger, connector, enqueuer, deadLetters, syncService)

	migrationStore := migration.NewRepository(pool)
	migrationManager := migration.NewManager(migrationStore, connector, collection, logger)
	migrationHandler := migration.NewHandler(logger, migrationManager, enqueuer)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		QueryHandler:     queryHandler,
		SyncHandler:      syncHandler,
		MigrationHandler: migrationHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
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
