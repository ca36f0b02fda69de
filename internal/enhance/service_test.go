package enhance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

type memoryCollection struct {
	products map[string]catalog.Product
}

func newMemoryCollection(products ...catalog.Product) *memoryCollection {
	m := &memoryCollection{products: map[string]catalog.Product{}}
	for _, p := range products {
		if p.Version == 0 {
			p.Version = 1
		}
		m.products[p.SKU] = p
	}
	return m
}

func (m *memoryCollection) FindBySKU(ctx context.Context, sku string) (catalog.Product, error) {
	p, ok := m.products[sku]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
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
	m.products[sku] = current
	return current, nil
}

func (m *memoryCollection) Query(ctx context.Context, filters catalog.Filters, page catalog.PageRequest, sort catalog.Sort) (catalog.ProductPage, error) {
	result := catalog.ProductPage{Page: page.Page, Limit: page.Limit}
	for _, p := range m.products {
		if p.Active {
			result.Products = append(result.Products, p)
		}
	}
	result.Total = len(result.Products)
	return result, nil
}

type stubScorer struct {
	scores catalog.FaceShapeScores
	err    error
	calls  int
}

func (s *stubScorer) Score(ctx context.Context, p catalog.Product) (catalog.FaceShapeScores, error) {
	s.calls++
	if s.err != nil {
		return catalog.FaceShapeScores{}, s.err
	}
	return s.scores, nil
}

func product(sku string) catalog.Product {
	return catalog.Product{
		SKU:        sku,
		Name:       "Frame",
		Active:     true,
		FaceShapes: catalog.DefaultFaceShapeScores(),
		Version:    1,
	}
}

func TestAnalyzeProductAppliesScores(t *testing.T) {
	coll := newMemoryCollection(product("EN-1"))
	scorer := &stubScorer{scores: catalog.FaceShapeScores{Oval: 0.9, Round: 0.3, Square: 0.7, Heart: 0.5, Diamond: 0.4, Oblong: 0.6}}
	svc := NewService(coll, scorer, 10, nil)

	updated, err := svc.AnalyzeProduct(context.Background(), "EN-1")
	require.NoError(t, err)
	require.True(t, updated.AIEnhanced)
	require.Equal(t, scorer.scores, updated.FaceShapes)
	require.Equal(t, int64(2), updated.Version)
}

func TestAnalyzeProductDegradesGracefully(t *testing.T) {
	original := product("EN-2")
	coll := newMemoryCollection(original)
	scorer := &stubScorer{err: errors.New("model unavailable")}
	svc := NewService(coll, scorer, 10, nil)

	_, err := svc.AnalyzeProduct(context.Background(), "EN-2")
	require.Error(t, err)

	// Stored product is untouched: default scores, still unenhanced.
	stored := coll.products["EN-2"]
	require.Equal(t, original.FaceShapes, stored.FaceShapes)
	require.False(t, stored.AIEnhanced)
	require.Equal(t, original.Version, stored.Version)
}

func TestAnalyzeProductIsIdempotent(t *testing.T) {
	coll := newMemoryCollection(product("EN-3"))
	scorer := &stubScorer{scores: catalog.FaceShapeScores{Oval: 0.8, Round: 0.8, Square: 0.8, Heart: 0.8, Diamond: 0.8, Oblong: 0.8}}
	svc := NewService(coll, scorer, 10, nil)
	ctx := context.Background()

	first, err := svc.AnalyzeProduct(ctx, "EN-3")
	require.NoError(t, err)
	second, err := svc.AnalyzeProduct(ctx, "EN-3")
	require.NoError(t, err)
	require.True(t, second.AIEnhanced)
	require.Equal(t, first.FaceShapes, second.FaceShapes)
}

func TestAnalyzeBatchIsolatesFailures(t *testing.T) {
	coll := newMemoryCollection(product("EN-4"), product("EN-5"))
	scorer := &flakyScorer{failFor: "EN-4"}
	svc := NewService(coll, scorer, 1, nil)

	report, err := svc.AnalyzeBatch(context.Background(), []string{"EN-4", "EN-5", "EN-6"})
	require.NoError(t, err)
	require.Equal(t, 3, report.Requested)
	require.Equal(t, 1, report.Enhanced)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, []string{"EN-4"}, report.Failed)
	require.True(t, coll.products["EN-5"].AIEnhanced)
	require.False(t, coll.products["EN-4"].AIEnhanced)
}

type flakyScorer struct {
	failFor string
}

func (s *flakyScorer) Score(ctx context.Context, p catalog.Product) (catalog.FaceShapeScores, error) {
	if p.SKU == s.failFor {
		return catalog.FaceShapeScores{}, errors.New("scoring failed")
	}
	scores := catalog.DefaultFaceShapeScores()
	scores.Oval = 0.95
	return scores, nil
}

func TestPendingSKUs(t *testing.T) {
	enhanced := product("EN-7")
	enhanced.AIEnhanced = true
	coll := newMemoryCollection(product("EN-8"), enhanced)
	svc := NewService(coll, &stubScorer{}, 10, nil)

	skus, err := svc.PendingSKUs(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"EN-8"}, skus)
}
