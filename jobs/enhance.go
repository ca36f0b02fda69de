package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/optica-commerce/optica-catalog/internal/enhance"
	jobmetrics "github.com/optica-commerce/optica-catalog/internal/jobs"
	"github.com/optica-commerce/optica-catalog/internal/observability"
)

// sweepLimit bounds how many pending products one sweep picks up.
const sweepLimit = 500

// EnhanceProcessor runs AI compatibility scoring off the queue.
type EnhanceProcessor struct {
	service    *enhance.Service
	metrics    *observability.Metrics
	jobMetrics *jobmetrics.Metrics
	logger     *slog.Logger
}

func NewEnhanceProcessor(service *enhance.Service, metrics *observability.Metrics, jobMetrics *jobmetrics.Metrics, logger *slog.Logger) *EnhanceProcessor {
	return &EnhanceProcessor{service: service, metrics: metrics, jobMetrics: jobMetrics, logger: logger}
}

// HandleBatch scores the SKUs named in the task payload.
func (p *EnhanceProcessor) HandleBatch(ctx context.Context, t *asynq.Task) error {
	tracker := p.jobMetrics.Track(TaskEnhanceBatch)

	var payload EnhanceBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		p.logger.Error("enhance batch payload undecodable", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}
	if len(payload.SKUs) == 0 {
		return tracker.End(nil)
	}
	return tracker.End(p.analyze(ctx, payload.SKUs))
}

// HandleSweep scores every product still carrying default scores.
func (p *EnhanceProcessor) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	tracker := p.jobMetrics.Track(TaskEnhanceSweep)

	skus, err := p.service.PendingSKUs(ctx, sweepLimit)
	if err != nil {
		return tracker.End(err)
	}
	if len(skus) == 0 {
		return tracker.End(nil)
	}
	return tracker.End(p.analyze(ctx, skus))
}

func (p *EnhanceProcessor) analyze(ctx context.Context, skus []string) error {
	report, err := p.service.AnalyzeBatch(ctx, skus)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EnhancedProducts.Add(float64(report.Enhanced))
	}
	p.logger.Info("enhancement batch finished",
		slog.Int("requested", report.Requested),
		slog.Int("enhanced", report.Enhanced),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failed)))
	return nil
}
