package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optica-commerce/optica-catalog/internal/source"
)

// DeadLetter is a sync event that exhausted its retries or hit an
// unresolvable conflict. It is kept for inspection and replay, never
// silently dropped.
type DeadLetter struct {
	ID         uuid.UUID  `json:"id"`
	EventType  string     `json:"event_type"`
	SKU        string     `json:"sku"`
	Payload    []byte     `json:"payload"`
	Reason     string     `json:"reason"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// DeadLetterStore persists dead letters in PostgreSQL.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs the store.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// ErrDeadLetterNotFound indicates an unknown dead letter id.
var ErrDeadLetterNotFound = errors.New("sync: dead letter not found")

// Record stores a failed event.
func (s *DeadLetterStore) Record(ctx context.Context, event source.Event, reason string, attempts int) (DeadLetter, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return DeadLetter{}, err
	}
	dl := DeadLetter{
		ID:        uuid.New(),
		EventType: string(event.Type),
		SKU:       event.SKU,
		Payload:   payload,
		Reason:    reason,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_dead_letters (id, event_type, sku, payload, reason, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dl.ID, dl.EventType, dl.SKU, dl.Payload, dl.Reason, dl.Attempts, dl.CreatedAt,
	)
	return dl, err
}

// List returns dead letters, optionally only the unreplayed ones.
func (s *DeadLetterStore) List(ctx context.Context, pendingOnly bool, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, sku, payload, reason, attempts, created_at, replayed_at FROM sync_dead_letters`
	if pendingOnly {
		query += ` WHERE replayed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.EventType, &dl.SKU, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.CreatedAt, &dl.ReplayedAt); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// Get loads one dead letter.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	var dl DeadLetter
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_type, sku, payload, reason, attempts, created_at, replayed_at
		 FROM sync_dead_letters WHERE id = $1`, id,
	).Scan(&dl.ID, &dl.EventType, &dl.SKU, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.CreatedAt, &dl.ReplayedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, err
}

// MarkReplayed stamps a successful replay.
func (s *DeadLetterStore) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_dead_letters SET replayed_at = NOW() WHERE id = $1 AND replayed_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// Event decodes the stored payload back into a sync event.
func (dl DeadLetter) Event() (source.Event, error) {
	var event source.Event
	err := json.Unmarshal(dl.Payload, &event)
	return event, err
}
