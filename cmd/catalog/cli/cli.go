// Package cli implements the operator subcommands of the catalog
// binary: migration control, dead letter management and queue
// inspection.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optica-commerce/optica-catalog/internal/app"
	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/migration"
	"github.com/optica-commerce/optica-catalog/internal/platform/db"
	"github.com/optica-commerce/optica-catalog/internal/source"
	syncsvc "github.com/optica-commerce/optica-catalog/internal/sync"
	"github.com/optica-commerce/optica-catalog/jobs"
)

// Run dispatches one operator subcommand.
func Run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "deadletters":
		return runDeadLetters(ctx, args[1:])
	case "jobs":
		return runJobs(ctx, args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	return fmt.Errorf(`usage: catalog <command>

commands:
  serve                               run the API server (default)
  migrate start|runs|status|cancel|checkpoint|resume
  deadletters list|replay
  jobs stats|trigger`)
}

// deps bundles the shared dependencies CLI commands construct on
// demand.
type deps struct {
	cfg      *app.Config
	pool     *pgxpool.Pool
	enqueuer *jobs.Client
	close    func()
}

func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init queue client: %w", err)
	}
	return &deps{
		cfg:      cfg,
		pool:     pool,
		enqueuer: enqueuer,
		close: func() {
			_ = enqueuer.Close()
			pool.Close()
		},
	}, nil
}

func (d *deps) manager() *migration.Manager {
	logger := app.NewLogger(d.cfg)
	store := catalog.NewRepository(d.pool)
	collection := catalog.NewService(store, catalog.NewValidator(), logger, nil)
	connector := source.NewQMSConnector(source.QMSConfig{
		BaseURL:       d.cfg.SourceBaseURL,
		APIKey:        d.cfg.SourceAPIKey,
		WebhookSecret: d.cfg.SourceWebhookSecret,
		PageSize:      d.cfg.SourcePageSize,
	}, collection)
	return migration.NewManager(migration.NewRepository(d.pool), connector, collection, logger)
}

func (d *deps) deadLetters() *syncsvc.DeadLetterStore {
	return syncsvc.NewDeadLetterStore(d.pool)
}
