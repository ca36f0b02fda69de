// Package jobs owns the durable background queue: webhook sync events,
// AI enhancement batches and migration runs all execute here so the
// HTTP surfaces stay fast and retries survive restarts.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/optica-commerce/optica-catalog/internal/source"
)

const (
	// QueueSync carries webhook events and gets the largest share of
	// worker capacity so source updates stay fresh.
	QueueSync = "sync"
	// QueueEnhance carries AI scoring batches.
	QueueEnhance = "enhance"
	// QueueDefault carries everything else, including migration runs.
	QueueDefault = "default"

	// TaskSyncEvent applies one source event to the catalog.
	TaskSyncEvent = "sync:event"
	// TaskEnhanceBatch scores an explicit list of SKUs.
	TaskEnhanceBatch = "enhance:batch"
	// TaskEnhanceSweep scores every product still on default scores.
	TaskEnhanceSweep = "enhance:sweep"
	// TaskMigrationRun executes a registered migration run.
	TaskMigrationRun = "migration:run"
)

// NewSyncEventTask wraps a source event for the queue. Events retry
// with backoff; the final failure lands in the dead letter table.
func NewSyncEventTask(event source.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncEvent, data,
		asynq.Queue(QueueSync),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second)), nil
}

// EnhanceBatchPayload lists the SKUs one batch should score.
type EnhanceBatchPayload struct {
	SKUs []string `json:"skus"`
}

// NewEnhanceBatchTask constructs a scoring task for specific SKUs.
func NewEnhanceBatchTask(skus []string) (*asynq.Task, error) {
	data, err := json.Marshal(EnhanceBatchPayload{SKUs: skus})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEnhanceBatch, data,
		asynq.Queue(QueueEnhance),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute)), nil
}

// NewEnhanceSweepTask constructs the cron sweep task.
func NewEnhanceSweepTask() *asynq.Task {
	return asynq.NewTask(TaskEnhanceSweep, nil,
		asynq.Queue(QueueEnhance),
		asynq.MaxRetry(1),
		asynq.Timeout(30*time.Minute))
}

// MigrationRunPayload identifies the run to execute.
type MigrationRunPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// NewMigrationRunTask constructs a migration execution task. Runs are
// not retried: a failed run is resumed from its last checkpoint by an
// operator instead.
func NewMigrationRunTask(runID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(MigrationRunPayload{RunID: runID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMigrationRun, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour)), nil
}
