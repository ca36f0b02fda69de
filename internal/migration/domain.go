package migration

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is a phase of the migration state machine.
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateValidating   State = "validating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Options tunes a migration run.
type Options struct {
	// UpdatedSince narrows extraction to records changed after the
	// given time. Zero means a full migration.
	UpdatedSince time.Time `json:"updated_since,omitzero"`
	// BatchSize bounds each bulk upsert. Defaults to 1000.
	BatchSize int `json:"batch_size"`
	// MaxFailureRate aborts the run once the failed fraction of
	// processed records exceeds it. Defaults to 0.2.
	MaxFailureRate float64 `json:"max_failure_rate"`
	// TransformWorkers bounds parallel transformation. Defaults to 4.
	TransformWorkers int `json:"transform_workers"`
	// SkipRecords resumes loading after a checkpoint boundary.
	SkipRecords int `json:"skip_records,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.MaxFailureRate <= 0 {
		o.MaxFailureRate = 0.2
	}
	if o.TransformWorkers <= 0 {
		o.TransformWorkers = 4
	}
	return o
}

// RecordError captures one failed record without failing the run.
type RecordError struct {
	SKU     string `json:"sku"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// SmokeResult is one post-load validation check.
type SmokeResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Run is the persisted state of one migration.
type Run struct {
	ID          uuid.UUID     `json:"id"`
	State       State         `json:"state"`
	Options     Options       `json:"options"`
	Extracted   int           `json:"extracted"`
	Transformed int           `json:"transformed"`
	Loaded      int           `json:"loaded"`
	// Consumed counts records taken off the transformed slice during
	// loading, succeeded or not. Transform failures never reach that
	// slice, so checkpoints record SkipRecords + Consumed as the
	// position a resumed run skips to.
	Consumed   int           `json:"consumed"`
	Failed     int           `json:"failed"`
	Errors     []RecordError `json:"errors,omitempty"`
	Smoke      []SmokeResult `json:"smoke,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Checkpoint marks a known-good batch boundary of a run. It records
// progress, not data: rollback means "resume loading from here", the
// records already written stay in place.
type Checkpoint struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Name          string    `json:"name"`
	RecordsLoaded int       `json:"records_loaded"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrRunNotFound indicates an unknown run id.
var ErrRunNotFound = errors.New("migration: run not found")

// ErrCheckpointNotFound indicates an unknown checkpoint id.
var ErrCheckpointNotFound = errors.New("migration: checkpoint not found")

// ErrAborted indicates the failure-rate threshold was exceeded. The
// run requires manual resume or rollback.
var ErrAborted = errors.New("migration: aborted, failure rate exceeded")

// ErrRunActive indicates a run is already in a non-terminal state.
var ErrRunActive = errors.New("migration: another run is active")
