// Package migration runs the one-off bulk move of the legacy catalog
// into the product store. A run walks a fixed state machine
// (extracting, transforming, loading, validating) and checkpoints
// every loaded batch so an aborted run resumes without redoing work.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/source"
)

// maxRecordedErrors caps the per-run error list persisted with the
// run. The failed counter keeps the true total.
const maxRecordedErrors = 100

// Connector is the slice of the source connector a run needs.
type Connector interface {
	ExtractPage(ctx context.Context, cursor string, updatedSince time.Time) (source.ExtractResult, error)
	Transform(ctx context.Context, raw source.RawProduct) (catalog.Product, error)
}

// Collection is the slice of the collection manager a run needs:
// bulk loading plus the read operations the smoke checks exercise.
type Collection interface {
	BulkUpsert(ctx context.Context, records []catalog.Product) (catalog.BulkResult, error)
	Query(ctx context.Context, filters catalog.Filters, page catalog.PageRequest, sort catalog.Sort) (catalog.ProductPage, error)
	Brands(ctx context.Context, activeOnly bool) ([]catalog.Brand, error)
	Categories(ctx context.Context, activeOnly bool) ([]catalog.Category, error)
}

// Manager coordinates migration runs. At most one run is active at a
// time.
type Manager struct {
	store      Store
	connector  Connector
	collection Collection
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewManager(store Store, connector Connector, collection Collection, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		connector:  connector,
		collection: collection,
		logger:     logger,
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start registers a new run in the idle state. Execute drives it.
func (m *Manager) Start(ctx context.Context, opts Options) (Run, error) {
	if _, err := m.store.ActiveRun(ctx); err == nil {
		return Run{}, ErrRunActive
	} else if !errors.Is(err, ErrRunNotFound) {
		return Run{}, err
	}
	run := Run{
		ID:        uuid.New(),
		State:     StateIdle,
		Options:   opts.withDefaults(),
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Resume starts a new run that picks up loading after the given
// checkpoint. Extraction and transformation repeat, already-loaded
// records are skipped, and the upsert path keeps the rest idempotent.
func (m *Manager) Resume(ctx context.Context, checkpointID uuid.UUID) (Run, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return Run{}, err
	}
	prev, err := m.store.GetRun(ctx, cp.RunID)
	if err != nil {
		return Run{}, err
	}
	opts := prev.Options
	opts.SkipRecords = cp.RecordsLoaded
	return m.Start(ctx, opts)
}

// Cancel stops a running migration between batches. A run that is not
// executing in this process is moved straight to cancelled.
func (m *Manager) Cancel(ctx context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	cancel, running := m.cancels[runID]
	m.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("migration: run %s already %s", runID, run.State)
	}
	m.finish(ctx, &run, StateCancelled)
	return nil
}

// CreateCheckpoint records a manual checkpoint at the run's current
// load position.
func (m *Manager) CreateCheckpoint(ctx context.Context, runID uuid.UUID, name string) (Checkpoint, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		ID:            uuid.New(),
		RunID:         run.ID,
		Name:          name,
		RecordsLoaded: run.Options.SkipRecords + run.Consumed,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Status returns the persisted state of a run.
func (m *Manager) Status(ctx context.Context, runID uuid.UUID) (Run, error) {
	return m.store.GetRun(ctx, runID)
}

func (m *Manager) Runs(ctx context.Context, limit int) ([]Run, error) {
	return m.store.ListRuns(ctx, limit)
}

func (m *Manager) Checkpoints(ctx context.Context, runID uuid.UUID) ([]Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, runID)
}

// Execute drives a run through the state machine until it reaches a
// terminal state. It blocks for the duration of the run.
func (m *Manager) Execute(ctx context.Context, runID uuid.UUID) (Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.State != StateIdle {
		return run, fmt.Errorf("migration: run %s is %s, expected %s", runID, run.State, StateIdle)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancels[run.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, run.ID)
		m.mu.Unlock()
	}()

	log := m.logger.With("run_id", run.ID)
	log.Info("migration started", "options", run.Options)

	raws, err := m.extract(runCtx, &run)
	if err != nil {
		return m.fail(ctx, &run, err), err
	}
	records, err := m.transform(runCtx, &run, raws)
	if err != nil {
		return m.fail(ctx, &run, err), err
	}
	if err := m.load(runCtx, &run, records); err != nil {
		return m.fail(ctx, &run, err), err
	}
	if err := m.validate(runCtx, &run); err != nil {
		return m.fail(ctx, &run, err), err
	}

	m.finish(ctx, &run, StateCompleted)
	log.Info("migration completed",
		"extracted", run.Extracted, "loaded", run.Loaded, "failed", run.Failed)
	return run, nil
}

func (m *Manager) extract(ctx context.Context, run *Run) ([]source.RawProduct, error) {
	m.transition(ctx, run, StateExtracting)
	var (
		raws   []source.RawProduct
		cursor string
	)
	for {
		page, err := m.connector.ExtractPage(ctx, cursor, run.Options.UpdatedSince)
		if err != nil {
			return nil, fmt.Errorf("extract page: %w", err)
		}
		raws = append(raws, page.Records...)
		run.Extracted = len(raws)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return raws, nil
}

func (m *Manager) transform(ctx context.Context, run *Run, raws []source.RawProduct) ([]catalog.Product, error) {
	m.transition(ctx, run, StateTransforming)
	results := make([]*catalog.Product, len(raws))
	var (
		mu       sync.Mutex
		recorded []RecordError
		failed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(run.Options.TransformWorkers)
	for i, raw := range raws {
		g.Go(func() error {
			p, err := m.connector.Transform(gctx, raw)
			if err != nil {
				mu.Lock()
				failed++
				recorded = append(recorded, RecordError{SKU: raw.SKU, Stage: "transform", Message: err.Error()})
				mu.Unlock()
				return nil
			}
			results[i] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run.Failed += failed
	m.record(run, recorded)
	records := make([]catalog.Product, 0, len(raws))
	for _, p := range results {
		if p != nil {
			records = append(records, *p)
		}
	}
	run.Transformed = len(records)
	return records, nil
}

func (m *Manager) load(ctx context.Context, run *Run, records []catalog.Product) error {
	m.transition(ctx, run, StateLoading)
	if skip := run.Options.SkipRecords; skip > 0 {
		if skip >= len(records) {
			records = nil
		} else {
			records = records[skip:]
		}
	}
	batchSize := run.Options.BatchSize
	for batch := 0; len(records) > 0; batch++ {
		n := min(batchSize, len(records))
		result, err := m.collection.BulkUpsert(ctx, records[:n])
		if err != nil {
			return fmt.Errorf("load batch %d: %w", batch, err)
		}
		records = records[n:]
		run.Loaded += result.Succeeded
		run.Consumed += n
		run.Failed += result.Failed
		var recorded []RecordError
		for _, rr := range result.Records {
			if rr.Outcome == catalog.UpsertFailed {
				recorded = append(recorded, RecordError{SKU: rr.SKU, Stage: "load", Message: rr.Error})
			}
		}
		m.record(run, recorded)

		cp := Checkpoint{
			ID:            uuid.New(),
			RunID:         run.ID,
			Name:          fmt.Sprintf("batch-%d", batch),
			RecordsLoaded: run.Options.SkipRecords + run.Consumed,
			CreatedAt:     time.Now().UTC(),
		}
		if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
			m.logger.Warn("checkpoint save failed", "run_id", run.ID, "error", err)
		}
		if err := m.store.UpdateRun(ctx, *run); err != nil {
			m.logger.Warn("run progress save failed", "run_id", run.ID, "error", err)
		}

		if processed := run.Loaded + run.Failed; processed > 0 {
			rate := float64(run.Failed) / float64(processed)
			if rate > run.Options.MaxFailureRate {
				return fmt.Errorf("%w: %.0f%% of %d records", ErrAborted, rate*100, processed)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// validate runs the post-load smoke checks. A failing check fails the
// run even though the data is already in place.
func (m *Manager) validate(ctx context.Context, run *Run) error {
	m.transition(ctx, run, StateValidating)
	checks := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"products queryable", func(ctx context.Context) (string, error) {
			page, err := m.collection.Query(ctx, catalog.Filters{}, catalog.PageRequest{Page: 1, Limit: 1}, catalog.Sort{})
			if err != nil {
				return "", err
			}
			if page.Total == 0 {
				return "", errors.New("no active products after load")
			}
			return fmt.Sprintf("%d active products", page.Total), nil
		}},
		{"face shape index", func(ctx context.Context) (string, error) {
			page, err := m.collection.Query(ctx, catalog.Filters{FaceShape: catalog.FaceShapeOval}, catalog.PageRequest{Page: 1, Limit: 1}, catalog.Sort{Field: "compatibility", Desc: true})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d products scored for oval", page.Total), nil
		}},
		{"brands present", func(ctx context.Context) (string, error) {
			brands, err := m.collection.Brands(ctx, false)
			if err != nil {
				return "", err
			}
			if len(brands) == 0 {
				return "", errors.New("no brands after load")
			}
			return fmt.Sprintf("%d brands", len(brands)), nil
		}},
		{"categories present", func(ctx context.Context) (string, error) {
			cats, err := m.collection.Categories(ctx, false)
			if err != nil {
				return "", err
			}
			if len(cats) == 0 {
				return "", errors.New("no categories after load")
			}
			return fmt.Sprintf("%d categories", len(cats)), nil
		}},
	}

	var failedCheck error
	for _, check := range checks {
		detail, err := check.fn(ctx)
		result := SmokeResult{Name: check.name, Passed: err == nil, Detail: detail}
		if err != nil {
			result.Detail = err.Error()
			if failedCheck == nil {
				failedCheck = fmt.Errorf("smoke check %q: %w", check.name, err)
			}
		}
		run.Smoke = append(run.Smoke, result)
	}
	return failedCheck
}

func (m *Manager) transition(ctx context.Context, run *Run, next State) {
	run.State = next
	if err := m.store.UpdateRun(ctx, *run); err != nil {
		m.logger.Warn("run state save failed", "run_id", run.ID, "state", next, "error", err)
	}
	m.logger.Info("migration state", "run_id", run.ID, "state", next)
}

func (m *Manager) fail(ctx context.Context, run *Run, cause error) Run {
	state := StateFailed
	if errors.Is(cause, context.Canceled) {
		state = StateCancelled
	} else {
		m.logger.Error("migration failed", "run_id", run.ID, "state", run.State, "error", cause)
	}
	m.finish(ctx, run, state)
	return *run
}

func (m *Manager) finish(ctx context.Context, run *Run, state State) {
	now := time.Now().UTC()
	run.State = state
	run.FinishedAt = &now
	// Detached context so cancellation cannot lose the terminal state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateRun(saveCtx, *run); err != nil {
		m.logger.Error("run final state save failed", "run_id", run.ID, "state", state, "error", err)
	}
}

func (m *Manager) record(run *Run, errs []RecordError) {
	for _, re := range errs {
		if len(run.Errors) >= maxRecordedErrors {
			return
		}
		run.Errors = append(run.Errors, re)
	}
}
