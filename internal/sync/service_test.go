package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
	"github.com/optica-commerce/optica-catalog/internal/source"
)

type memoryCollection struct {
	products map[string]catalog.Product
}

func newMemoryCollection() *memoryCollection {
	return &memoryCollection{products: map[string]catalog.Product{}}
}

func (m *memoryCollection) FindBySKU(ctx context.Context, sku string) (catalog.Product, error) {
	p, ok := m.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

func (m *memoryCollection) Create(ctx context.Context, p catalog.Product) (catalog.Product, error) {
	if _, ok := m.products[p.SKU]; ok {
		return catalog.Product{}, catalog.ErrDuplicateSKU
	}
	p.Version = 1
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.InStock = p.InventoryQty > 0
	m.products[p.SKU] = p
	return p, nil
}

func (m *memoryCollection) Update(ctx context.Context, sku string, patch catalog.ProductPatch, expectedVersion int64) (catalog.Product, error) {
	current, ok := m.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if current.Version != expectedVersion {
		return catalog.Product{}, catalog.ErrVersionConflict
	}
	patch.Apply(&current)
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	current.InStock = current.InventoryQty > 0
	m.products[sku] = current
	return current, nil
}

func (m *memoryCollection) Delete(ctx context.Context, sku string, src catalog.Source) (catalog.Product, error) {
	current, ok := m.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	if current.Active {
		current.Active = false
		current.Version++
		m.products[sku] = current
	}
	return current, nil
}

type passthroughTransformer struct{}

func (passthroughTransformer) Transform(ctx context.Context, raw source.RawProduct) (catalog.Product, error) {
	return catalog.Product{
		SKU:          raw.SKU,
		Name:         raw.ModelName,
		BrandID:      1,
		BrandName:    "Northgaze",
		CategoryID:   2,
		CategoryName: "Sunglasses",
		Price:        raw.Pricing.Amount,
		Currency:     "USD",
		InventoryQty: raw.StockQty,
		InStock:      raw.StockQty > 0,
		Active:       raw.Status != "discontinued",
		FaceShapes:   catalog.DefaultFaceShapeScores(),
		QualityScore: raw.QualityScore,
		Source:       catalog.SourceExternal,
		SourcedAt:    raw.UpdatedAt,
	}, nil
}

func newTestService(coll Collection) *Service {
	return NewService(coll, passthroughTransformer{}, nil, nil)
}

func eventAt(kind source.EventType, sku string, ts time.Time, qty int) source.Event {
	return source.Event{
		Type:      kind,
		SKU:       sku,
		Timestamp: ts,
		Product: &source.RawProduct{
			SKU:       sku,
			ModelName: "Aviator",
			Pricing:   source.Pricing{Amount: 120},
			StockQty:  qty,
			Status:    "active",
		},
	}
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	coll := newMemoryCollection()
	svc := newTestService(coll)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	applied, err := svc.Apply(ctx, eventAt(source.EventProductCreated, "SY-1", t0, 5))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, applied.Outcome)
	require.Equal(t, int64(1), applied.Version)

	applied, err = svc.Apply(ctx, eventAt(source.EventProductUpdated, "SY-1", t0.Add(time.Minute), 9))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, applied.Outcome)
	require.Equal(t, int64(2), applied.Version)
	require.Equal(t, 9, coll.products["SY-1"].InventoryQty)
}

func TestApplyIsIdempotent(t *testing.T) {
	coll := newMemoryCollection()
	svc := newTestService(coll)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	event := eventAt(source.EventProductCreated, "SY-2", t0, 5)
	first, err := svc.Apply(ctx, event)
	require.NoError(t, err)

	second, err := svc.Apply(ctx, event)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, second.Outcome)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, first.Version, coll.products["SY-2"].Version)
}

func TestApplySkipsStaleEvent(t *testing.T) {
	coll := newMemoryCollection()
	svc := newTestService(coll)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	_, err := svc.Apply(ctx, eventAt(source.EventProductCreated, "SY-3", t0, 10))
	require.NoError(t, err)

	applied, err := svc.Apply(ctx, eventAt(source.EventProductUpdated, "SY-3", t0.Add(-time.Hour), 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, applied.Outcome)
	require.Equal(t, 10, coll.products["SY-3"].InventoryQty)
}

func TestApplyDeleteIsSoft(t *testing.T) {
	coll := newMemoryCollection()
	svc := newTestService(coll)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	_, err := svc.Apply(ctx, eventAt(source.EventProductCreated, "SY-4", t0, 5))
	require.NoError(t, err)

	applied, err := svc.Apply(ctx, source.Event{Type: source.EventProductDeleted, SKU: "SY-4", Timestamp: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, OutcomeDeleted, applied.Outcome)

	p := coll.products["SY-4"]
	require.False(t, p.Active)

	// Unknown SKU deletes are ignored, and repeated deletes do not
	// bump the version.
	again, err := svc.Apply(ctx, source.Event{Type: source.EventProductDeleted, SKU: "SY-4", Timestamp: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, p.Version, again.Version)

	skipped, err := svc.Apply(ctx, source.Event{Type: source.EventProductDeleted, SKU: "missing", Timestamp: t0})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, skipped.Outcome)
}

// racingCollection hides the stored row from the first read, so the
// caller's create collides with a concurrently inserted one.
type racingCollection struct {
	*memoryCollection
	readOnce bool
}

func (r *racingCollection) FindBySKU(ctx context.Context, sku string) (catalog.Product, error) {
	if !r.readOnce {
		r.readOnce = true
		return catalog.Product{}, catalog.ErrNotFound
	}
	return r.memoryCollection.FindBySKU(ctx, sku)
}

func TestApplyRecoversFromCreateRace(t *testing.T) {
	coll := newMemoryCollection()
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	winner, err := coll.Create(ctx, catalog.Product{
		SKU: "SY-7", Name: "Aviator", Price: 120, Currency: "USD",
		Active: true, Source: catalog.SourceExternal, SourcedAt: t0,
	})
	require.NoError(t, err)

	svc := newTestService(&racingCollection{memoryCollection: coll})
	applied, err := svc.Apply(ctx, eventAt(source.EventProductUpdated, "SY-7", t0.Add(time.Minute), 9))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, applied.Outcome)
	require.Equal(t, winner.Version+1, applied.Version)
	require.Equal(t, 9, coll.products["SY-7"].InventoryQty)
}

func TestApplyRejectsMissingTimestamp(t *testing.T) {
	svc := newTestService(newMemoryCollection())
	_, err := svc.Apply(context.Background(), source.Event{Type: source.EventProductUpdated, SKU: "SY-5"})
	require.ErrorIs(t, err, ErrUnresolvable)
}

func TestConflictResolutionDeterminism(t *testing.T) {
	// An inventory-only source update and an AI-score-only local
	// enhancement must converge to the same document in either order.
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	enhanced := catalog.FaceShapeScores{Oval: 0.9, Round: 0.2, Square: 0.6, Heart: 0.5, Diamond: 0.4, Oblong: 0.7}

	enhance := func(coll *memoryCollection, sku string) {
		p := coll.products[sku]
		scores := enhanced
		aiTrue := true
		patch := catalog.ProductPatch{FaceShapes: &scores, AIEnhanced: &aiTrue}
		_, err := coll.Update(context.Background(), sku, patch, p.Version)
		require.NoError(t, err)
	}

	run := func(enhanceFirst bool) catalog.Product {
		coll := newMemoryCollection()
		svc := newTestService(coll)
		ctx := context.Background()

		_, err := svc.Apply(ctx, eventAt(source.EventProductCreated, "SY-6", t0, 5))
		require.NoError(t, err)

		inventoryEvent := eventAt(source.EventProductUpdated, "SY-6", t0.Add(time.Minute), 42)
		if enhanceFirst {
			enhance(coll, "SY-6")
			_, err = svc.Apply(ctx, inventoryEvent)
		} else {
			_, err = svc.Apply(ctx, inventoryEvent)
			require.NoError(t, err)
			enhance(coll, "SY-6")
		}
		require.NoError(t, err)
		return coll.products["SY-6"]
	}

	a := run(true)
	b := run(false)

	require.Equal(t, 42, a.InventoryQty)
	require.Equal(t, 42, b.InventoryQty)
	require.Equal(t, enhanced, a.FaceShapes)
	require.Equal(t, enhanced, b.FaceShapes)
	require.True(t, a.AIEnhanced)
	require.True(t, b.AIEnhanced)
}

func TestPolicyOrdering(t *testing.T) {
	require.Equal(t, StrategySourceWins, DefaultPolicy.Resolve("inventory_qty"))
	require.Equal(t, StrategyLocalWins, DefaultPolicy.Resolve("face_shape_compatibility.oval"))
	require.Equal(t, StrategyLocalWins, DefaultPolicy.Resolve("ai_enhanced"))
	require.Equal(t, StrategyLatestTimestamp, DefaultPolicy.Resolve("price"))
	require.Equal(t, StrategyLatestTimestamp, DefaultPolicy.Resolve("anything_else"))
}
