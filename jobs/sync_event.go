package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/optica-commerce/optica-catalog/internal/jobs"
	"github.com/optica-commerce/optica-catalog/internal/observability"
	"github.com/optica-commerce/optica-catalog/internal/source"
	"github.com/optica-commerce/optica-catalog/internal/sync"
)

// DeadLetters parks events that cannot be applied.
type DeadLetters interface {
	Record(ctx context.Context, event source.Event, reason string, attempts int) (sync.DeadLetter, error)
}

// SyncProcessor applies queued webhook events to the catalog.
type SyncProcessor struct {
	service     *sync.Service
	deadLetters DeadLetters
	metrics     *observability.Metrics
	jobMetrics  *jobmetrics.Metrics
	logger      *slog.Logger
}

func NewSyncProcessor(service *sync.Service, deadLetters DeadLetters, metrics *observability.Metrics, jobMetrics *jobmetrics.Metrics, logger *slog.Logger) *SyncProcessor {
	return &SyncProcessor{
		service:     service,
		deadLetters: deadLetters,
		metrics:     metrics,
		jobMetrics:  jobMetrics,
		logger:      logger,
	}
}

// Handle processes one TaskSyncEvent. Unresolvable events and events
// that exhaust their retries are parked in the dead letter table; the
// task itself then stops retrying.
func (p *SyncProcessor) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := p.jobMetrics.Track(TaskSyncEvent)

	var event source.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		p.logger.Error("sync event payload undecodable", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}

	applied, err := p.service.Apply(ctx, event)
	if err == nil {
		p.countOutcome(string(applied.Outcome))
		p.logger.Info("sync event applied",
			slog.String("sku", applied.SKU),
			slog.String("outcome", string(applied.Outcome)),
			slog.Int64("version", applied.Version))
		return tracker.End(nil)
	}

	if errors.Is(err, sync.ErrUnresolvable) {
		p.park(ctx, event, err)
		p.countOutcome("unresolvable")
		return tracker.End(asynq.SkipRetry)
	}

	if lastAttempt(ctx) {
		p.park(ctx, event, err)
		p.countOutcome("dead_lettered")
		p.logger.Error("sync event exhausted retries",
			slog.String("sku", event.SKU), slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}

	p.logger.Warn("sync event failed, will retry",
		slog.String("sku", event.SKU), slog.Any("error", err))
	return tracker.End(err)
}

func (p *SyncProcessor) park(ctx context.Context, event source.Event, cause error) {
	attempts, _ := asynq.GetRetryCount(ctx)
	if _, err := p.deadLetters.Record(ctx, event, cause.Error(), attempts+1); err != nil {
		p.logger.Error("dead letter record failed",
			slog.String("sku", event.SKU), slog.Any("error", err))
	}
}

func (p *SyncProcessor) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.SyncEvents.WithLabelValues(outcome).Inc()
	}
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}
