package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists runs and checkpoints.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ActiveRun(ctx context.Context) (Run, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID uuid.UUID) ([]Checkpoint, error)
}

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateRun(ctx context.Context, run Run) error {
	opts, errsJSON, smoke, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO migration_runs
			(id, state, options, extracted, transformed, loaded, consumed, failed, errors, smoke, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.State, opts, run.Extracted, run.Transformed, run.Loaded,
		run.Consumed, run.Failed, errsJSON, smoke, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("create migration run: %w", err)
	}
	return nil
}

func (r *Repository) UpdateRun(ctx context.Context, run Run) error {
	opts, errsJSON, smoke, err := encodeRun(run)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE migration_runs SET
			state = $2, options = $3, extracted = $4, transformed = $5,
			loaded = $6, consumed = $7, failed = $8, errors = $9, smoke = $10, finished_at = $11
		WHERE id = $1`,
		run.ID, run.State, opts, run.Extracted, run.Transformed,
		run.Loaded, run.Consumed, run.Failed, errsJSON, smoke, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("update migration run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	row := r.pool.QueryRow(ctx, runColumnsQuery+` WHERE id = $1`, id)
	return scanRun(row)
}

func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, runColumnsQuery+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list migration runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ActiveRun returns the run in a non-terminal state, if any.
func (r *Repository) ActiveRun(ctx context.Context) (Run, error) {
	row := r.pool.QueryRow(ctx, runColumnsQuery+`
		WHERE state NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY started_at DESC LIMIT 1`)
	return scanRun(row)
}

func (r *Repository) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO migration_checkpoints (id, run_id, name, records_loaded, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.RunID, cp.Name, cp.RecordsLoaded, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *Repository) GetCheckpoint(ctx context.Context, id uuid.UUID) (Checkpoint, error) {
	var cp Checkpoint
	err := r.pool.QueryRow(ctx, `
		SELECT id, run_id, name, records_loaded, created_at
		FROM migration_checkpoints WHERE id = $1`, id).
		Scan(&cp.ID, &cp.RunID, &cp.Name, &cp.RecordsLoaded, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (r *Repository) ListCheckpoints(ctx context.Context, runID uuid.UUID) ([]Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, name, records_loaded, created_at
		FROM migration_checkpoints WHERE run_id = $1
		ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Name, &cp.RecordsLoaded, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

const runColumnsQuery = `
	SELECT id, state, options, extracted, transformed, loaded, consumed, failed, errors, smoke, started_at, finished_at
	FROM migration_runs`

func encodeRun(run Run) (opts, errsJSON, smoke []byte, err error) {
	if opts, err = json.Marshal(run.Options); err != nil {
		return nil, nil, nil, fmt.Errorf("encode run options: %w", err)
	}
	if errsJSON, err = json.Marshal(run.Errors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode run errors: %w", err)
	}
	if smoke, err = json.Marshal(run.Smoke); err != nil {
		return nil, nil, nil, fmt.Errorf("encode run smoke results: %w", err)
	}
	return opts, errsJSON, smoke, nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run        Run
		opts       []byte
		errsJSON   []byte
		smoke      []byte
		finishedAt *time.Time
	)
	err := row.Scan(&run.ID, &run.State, &opts, &run.Extracted, &run.Transformed,
		&run.Loaded, &run.Consumed, &run.Failed, &errsJSON, &smoke, &run.StartedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan migration run: %w", err)
	}
	if err := json.Unmarshal(opts, &run.Options); err != nil {
		return Run{}, fmt.Errorf("decode run options: %w", err)
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &run.Errors); err != nil {
			return Run{}, fmt.Errorf("decode run errors: %w", err)
		}
	}
	if len(smoke) > 0 {
		if err := json.Unmarshal(smoke, &run.Smoke); err != nil {
			return Run{}, fmt.Errorf("decode run smoke results: %w", err)
		}
	}
	run.FinishedAt = finishedAt
	return run, nil
}
