package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func runDeadLetters(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: catalog deadletters list|replay")
	}

	d, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	store := d.deadLetters()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("deadletters list", flag.ContinueOnError)
		all := fs.Bool("all", false, "include replayed entries")
		limit := fs.Int("limit", 50, "maximum entries to show")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		letters, err := store.List(ctx, !*all, *limit)
		if err != nil {
			return err
		}
		for _, dl := range letters {
			state := "pending"
			if dl.ReplayedAt != nil {
				state = "replayed " + dl.ReplayedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-20s sku=%-16s attempts=%d  %s\n  %s\n",
				dl.ID, dl.EventType, dl.SKU, dl.Attempts, state, dl.Reason)
		}
		return nil

	case "replay":
		if len(args) < 2 {
			return fmt.Errorf("usage: catalog deadletters replay <id>")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid dead letter id: %w", err)
		}
		dl, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		event, err := dl.Event()
		if err != nil {
			return fmt.Errorf("decode stored event: %w", err)
		}
		// Replay goes back through the queue so it gets the same
		// retry and dead-letter treatment as a fresh delivery.
		if err := d.enqueuer.EnqueueSyncEvent(ctx, event); err != nil {
			return fmt.Errorf("queue event: %w", err)
		}
		if err := store.MarkReplayed(ctx, id); err != nil {
			return fmt.Errorf("mark replayed: %w", err)
		}
		fmt.Printf("dead letter %s requeued for sku %s\n", id, event.SKU)
		return nil

	default:
		return fmt.Errorf("unknown deadletters command %q", args[0])
	}
}
