package cli

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/optica-commerce/optica-catalog/internal/app"
	"github.com/optica-commerce/optica-catalog/jobs"
)

func runJobs(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: catalog jobs stats|trigger")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch args[0] {
	case "stats":
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() { _ = inspector.Close() }()
		for _, queue := range []string{jobs.QueueSync, jobs.QueueEnhance, jobs.QueueDefault} {
			info, err := inspector.GetQueueInfo(queue)
			if err != nil {
				return fmt.Errorf("queue %s: %w", queue, err)
			}
			fmt.Printf("%-8s pending=%-5d active=%-5d scheduled=%-5d retry=%-5d archived=%d\n",
				queue, info.Pending, info.Active, info.Scheduled, info.Retry, info.Archived)
		}
		return nil

	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("usage: catalog jobs trigger <task>")
		}
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()

		var task *asynq.Task
		switch args[1] {
		case jobs.TaskEnhanceSweep:
			task = jobs.NewEnhanceSweepTask()
		default:
			return fmt.Errorf("unsupported task %q", args[1])
		}
		info, err := client.EnqueueContext(ctx, task)
		if err != nil {
			return err
		}
		fmt.Printf("task %s queued as %s\n", task.Type(), info.ID)
		return nil

	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
}
