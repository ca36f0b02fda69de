package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/optica-commerce/optica-catalog/internal/app"
	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/enhance"
	jobmetrics "github.com/optica-commerce/optica-catalog/internal/jobs"
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
		slog.Default().Info("test mode detected, skipping worker startup")
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

	// The worker cannot run without its queue backend.
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

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	cache := query.NewCache(redisClient, cfg.CacheTTL, metrics.Registerer())

	store := catalog.NewRepository(pool)
	collection := catalog.NewService(store, catalog.NewValidator(), logger, cache)

	connector := source.NewQMSConnector(source.QMSConfig{
		BaseURL:       cfg.SourceBaseURL,
		APIKey:        cfg.SourceAPIKey,
		WebhookSecret: cfg.SourceWebhookSecret,
		PageSize:      cfg.SourcePageSize,
	}, collection)

	deadLetters := syncsvc.NewDeadLetterStore(pool)
	syncService := syncsvc.NewService(collection, connector, nil, logger)
	syncProcessor := jobs.NewSyncProcessor(syncService, deadLetters, metrics, jobMetrics, logger)

	scorer := enhance.NewHTTPScorer(enhance.ScorerConfig{
		BaseURL: cfg.ScorerBaseURL,
		APIKey:  cfg.ScorerAPIKey,
		Timeout: cfg.ScorerTimeout,
	})
	enhanceService := enhance.NewService(collection, scorer, 0, logger)
	enhanceProcessor := jobs.NewEnhanceProcessor(enhanceService, metrics, jobMetrics, logger)

	migrationManager := migration.NewManager(migration.NewRepository(pool), connector, collection, logger)
	migrationProcessor := jobs.NewMigrationProcessor(migrationManager, metrics, jobMetrics, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSyncEvent, Handler: syncProcessor.Handle},
			{Type: jobs.TaskEnhanceBatch, Handler: enhanceProcessor.HandleBatch},
			{Type: jobs.TaskEnhanceSweep, Handler: enhanceProcessor.HandleSweep},
			{Type: jobs.TaskMigrationRun, Handler: migrationProcessor.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.EnhanceSweepCron, Task: jobs.NewEnhanceSweepTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
