// Package sync applies webhook events from external sources to the
// catalog. Ordering is preserved per SKU by timestamp guards; events
// for different SKUs are independent.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/source"
)

// ErrUnresolvable marks an event that cannot be applied automatically
// and must be routed to manual review instead of guessed at.
var ErrUnresolvable = errors.New("sync: unresolvable event")

// Applied reports what a single event application did.
type Applied struct {
	SKU     string
	Outcome string
	Version int64
}

// Outcomes reported by Apply.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeDeleted = "deleted"
	OutcomeSkipped = "skipped"
)

// Collection is the slice of the collection manager the sync service
// writes through. All mutation goes through the optimistic version
// check; nothing here bypasses it.
type Collection interface {
	FindBySKU(ctx context.Context, sku string) (catalog.Product, error)
	Create(ctx context.Context, p catalog.Product) (catalog.Product, error)
	Update(ctx context.Context, sku string, patch catalog.ProductPatch, expectedVersion int64) (catalog.Product, error)
	Delete(ctx context.Context, sku string, src catalog.Source) (catalog.Product, error)
}

// Transformer maps raw source records into the catalog schema.
type Transformer interface {
	Transform(ctx context.Context, raw source.RawProduct) (catalog.Product, error)
}

// Service applies sync events.
type Service struct {
	collection Collection
	transform  Transformer
	policy     Policy
	logger     *slog.Logger
}

// NewService constructs the sync service.
func NewService(collection Collection, transform Transformer, policy Policy, logger *slog.Logger) *Service {
	if policy == nil {
		policy = DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{collection: collection, transform: transform, policy: policy, logger: logger}
}

// Apply processes one event. Replaying the same event is safe: a replay
// resolves to no effective change and the stored version stays put.
func (s *Service) Apply(ctx context.Context, event source.Event) (Applied, error) {
	if strings.TrimSpace(event.SKU) == "" {
		return Applied{}, fmt.Errorf("%w: event has no sku", ErrUnresolvable)
	}
	if event.Timestamp.IsZero() {
		return Applied{}, fmt.Errorf("%w: %s for %s: %s", ErrUnresolvable, event.Type, event.SKU, source.ErrMissingTimestamp)
	}

	switch event.Type {
	case source.EventProductDeleted:
		return s.applyDelete(ctx, event)
	case source.EventProductCreated, source.EventProductUpdated, source.EventQualityUpdated:
		return s.applyUpsert(ctx, event)
	default:
		return Applied{}, fmt.Errorf("%w: unknown event type %q", ErrUnresolvable, event.Type)
	}
}

func (s *Service) applyDelete(ctx context.Context, event source.Event) (Applied, error) {
	deleted, err := s.collection.Delete(ctx, event.SKU, catalog.SourceExternal)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			// Deleting something we never had is a no-op, not a failure.
			return Applied{SKU: event.SKU, Outcome: OutcomeSkipped}, nil
		}
		return Applied{}, err
	}
	return Applied{SKU: event.SKU, Outcome: OutcomeDeleted, Version: deleted.Version}, nil
}

func (s *Service) applyUpsert(ctx context.Context, event source.Event) (Applied, error) {
	if event.Product == nil {
		return Applied{}, fmt.Errorf("%w: %s for %s carries no product payload", ErrUnresolvable, event.Type, event.SKU)
	}

	incoming, err := s.transform.Transform(ctx, *event.Product)
	if err != nil {
		return Applied{}, err
	}
	incoming.SourcedAt = event.Timestamp

	local, err := s.collection.FindBySKU(ctx, event.SKU)
	if errors.Is(err, catalog.ErrNotFound) {
		created, cerr := s.collection.Create(ctx, incoming)
		if cerr == nil {
			return Applied{SKU: event.SKU, Outcome: OutcomeCreated, Version: created.Version}, nil
		}
		if !errors.Is(cerr, catalog.ErrDuplicateSKU) {
			return Applied{}, cerr
		}
		// Lost a create race; one re-read, then update against the winner.
		local, err = s.collection.FindBySKU(ctx, event.SKU)
	}
	if err != nil {
		return Applied{}, err
	}

	// An event older than the last applied sync point has already been
	// superseded: skip it so out-of-order delivery cannot regress data.
	if event.Timestamp.Before(local.SourcedAt) {
		s.logger.Debug("skipping stale sync event",
			slog.String("sku", event.SKU),
			slog.Time("event_ts", event.Timestamp),
			slog.Time("sourced_at", local.SourcedAt))
		return Applied{SKU: event.SKU, Outcome: OutcomeSkipped, Version: local.Version}, nil
	}

	patch, changed := ResolvePatch(local, incoming, event.Timestamp, s.policy)
	if !changed {
		return Applied{SKU: event.SKU, Outcome: OutcomeSkipped, Version: local.Version}, nil
	}

	updated, err := s.collection.Update(ctx, event.SKU, patch, local.Version)
	if err != nil {
		return Applied{}, err
	}
	return Applied{SKU: event.SKU, Outcome: OutcomeUpdated, Version: updated.Version}, nil
}
