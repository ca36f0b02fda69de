package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/optica-commerce/optica-catalog/internal/jobs"
	"github.com/optica-commerce/optica-catalog/internal/migration"
	"github.com/optica-commerce/optica-catalog/internal/observability"
)

// MigrationProcessor executes registered migration runs.
type MigrationProcessor struct {
	manager    *migration.Manager
	metrics    *observability.Metrics
	jobMetrics *jobmetrics.Metrics
	logger     *slog.Logger
}

func NewMigrationProcessor(manager *migration.Manager, metrics *observability.Metrics, jobMetrics *jobmetrics.Metrics, logger *slog.Logger) *MigrationProcessor {
	return &MigrationProcessor{manager: manager, metrics: metrics, jobMetrics: jobMetrics, logger: logger}
}

// Handle drives one run to a terminal state. Failures are not retried
// at the task level; operators resume from the last checkpoint.
func (p *MigrationProcessor) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := p.jobMetrics.Track(TaskMigrationRun)

	var payload MigrationRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		p.logger.Error("migration run payload undecodable", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}

	run, err := p.manager.Execute(ctx, payload.RunID)
	if p.metrics != nil {
		p.metrics.MigrationRecords.WithLabelValues("loaded").Add(float64(run.Loaded))
		p.metrics.MigrationRecords.WithLabelValues("failed").Add(float64(run.Failed))
	}
	if err != nil {
		p.logger.Error("migration run finished with error",
			slog.String("run_id", payload.RunID.String()),
			slog.String("state", string(run.State)),
			slog.Any("error", err))
		// The run state already reflects the failure.
		return tracker.End(asynq.SkipRetry)
	}
	return tracker.End(nil)
}
