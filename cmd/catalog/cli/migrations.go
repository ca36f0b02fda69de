package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/optica-commerce/optica-catalog/internal/migration"
)

func runMigrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: catalog migrate start|runs|status|cancel|checkpoint|resume")
	}

	d, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	manager := d.manager()

	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("migrate start", flag.ContinueOnError)
		batch := fs.Int("batch", 0, "records per bulk upsert")
		since := fs.String("since", "", "only migrate records updated after this RFC3339 time")
		maxFailure := fs.Float64("max-failure-rate", 0, "abort threshold as a fraction")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		opts := migration.Options{BatchSize: *batch, MaxFailureRate: *maxFailure}
		if *since != "" {
			t, err := time.Parse(time.RFC3339, *since)
			if err != nil {
				return fmt.Errorf("parse -since: %w", err)
			}
			opts.UpdatedSince = t
		}
		run, err := manager.Start(ctx, opts)
		if err != nil {
			return err
		}
		if err := d.enqueuer.EnqueueMigrationRun(ctx, run.ID); err != nil {
			return fmt.Errorf("queue run: %w", err)
		}
		fmt.Printf("migration run %s queued\n", run.ID)
		return nil

	case "runs":
		runs, err := manager.Runs(ctx, 20)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Printf("%s  %-12s loaded=%d failed=%d started=%s\n",
				run.ID, run.State, run.Loaded, run.Failed, run.StartedAt.Format(time.RFC3339))
		}
		return nil

	case "status":
		id, err := runID(args[1:])
		if err != nil {
			return err
		}
		run, err := manager.Status(ctx, id)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(run)

	case "cancel":
		id, err := runID(args[1:])
		if err != nil {
			return err
		}
		if err := manager.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Printf("run %s cancelled\n", id)
		return nil

	case "checkpoint":
		if len(args) < 3 {
			return fmt.Errorf("usage: catalog migrate checkpoint <run-id> <name>")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		cp, err := manager.CreateCheckpoint(ctx, id, args[2])
		if err != nil {
			return err
		}
		fmt.Printf("checkpoint %s at %d records\n", cp.ID, cp.RecordsLoaded)
		return nil

	case "resume":
		if len(args) < 2 {
			return fmt.Errorf("usage: catalog migrate resume <checkpoint-id>")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid checkpoint id: %w", err)
		}
		run, err := manager.Resume(ctx, id)
		if err != nil {
			return err
		}
		if err := d.enqueuer.EnqueueMigrationRun(ctx, run.ID); err != nil {
			return fmt.Errorf("queue run: %w", err)
		}
		fmt.Printf("migration run %s queued, skipping %d records\n", run.ID, run.Options.SkipRecords)
		return nil

	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
}

func runID(args []string) (uuid.UUID, error) {
	if len(args) < 1 {
		return uuid.Nil, fmt.Errorf("run id required")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run id: %w", err)
	}
	return id, nil
}
