package catalog

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	products   map[string]Product
	brands     map[string]Brand
	categories map[string]Category
	audit      []AuditEntry
	nextID     int64
}

type memoryTx struct {
	store *memoryStore
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		products:   map[string]Product{},
		brands:     map[string]Brand{},
		categories: map[string]Category{},
	}
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return fn(ctx, &memoryTx{store: m})
}

func (m *memoryStore) FindBySKU(ctx context.Context, sku string) (Product, error) {
	p, ok := m.products[sku]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) Query(ctx context.Context, filters Filters, page PageRequest, sortBy Sort) ([]Product, int, error) {
	var matched []Product
	for _, p := range m.products {
		if filters.Active != nil && p.Active != *filters.Active {
			continue
		}
		if filters.BrandID != 0 && p.BrandID != filters.BrandID {
			continue
		}
		if filters.CategoryID != 0 && p.CategoryID != filters.CategoryID {
			continue
		}
		if filters.InStock != nil && p.InStock != *filters.InStock {
			continue
		}
		if filters.MinQuality != nil && p.QualityScore < *filters.MinQuality {
			continue
		}
		if filters.Featured != nil && p.Featured != *filters.Featured {
			continue
		}
		if filters.FaceShape != "" {
			score, ok := p.FaceShapes.Score(filters.FaceShape)
			if !ok || score < filters.MinCompatibility {
				continue
			}
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filters.Search)) {
			continue
		}
		matched = append(matched, p)
	}
	if filters.FaceShape != "" && sortBy.Field == "compatibility" {
		sort.Slice(matched, func(i, j int) bool {
			a, _ := matched[i].FaceShapes.Score(filters.FaceShape)
			b, _ := matched[j].FaceShapes.Score(filters.FaceShape)
			return a > b
		})
	} else {
		sort.Slice(matched, func(i, j int) bool { return matched[i].SKU < matched[j].SKU })
	}
	total := len(matched)
	start := (page.Page - 1) * page.Limit
	if start > total {
		start = total
	}
	end := start + page.Limit
	if page.Limit <= 0 || end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *memoryStore) ListBrands(ctx context.Context, activeOnly bool) ([]Brand, error) {
	var brands []Brand
	for _, b := range m.brands {
		if activeOnly && !b.Active {
			continue
		}
		brands = append(brands, b)
	}
	sort.Slice(brands, func(i, j int) bool { return brands[i].Name < brands[j].Name })
	return brands, nil
}

func (m *memoryStore) ListCategories(ctx context.Context, activeOnly bool) ([]Category, error) {
	var categories []Category
	for _, c := range m.categories {
		if activeOnly && !c.Active {
			continue
		}
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	return categories, nil
}

func (m *memoryStore) Facets(ctx context.Context, activeOnly bool) (Facets, error) {
	facets := Facets{Brands: map[int64]int{}, Categories: map[int64]int{}}
	for _, p := range m.products {
		if activeOnly && !p.Active {
			continue
		}
		facets.Brands[p.BrandID]++
		facets.Categories[p.CategoryID]++
	}
	return facets, nil
}

func (m *memoryStore) ListAudit(ctx context.Context, entity, entityID string, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if e.Entity == entity && e.EntityID == entityID {
			entries = append(entries, e)
		}
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (t *memoryTx) FindBySKUForUpdate(ctx context.Context, sku string) (Product, error) {
	return t.store.FindBySKU(ctx, sku)
}

func (t *memoryTx) Insert(ctx context.Context, p Product) (Product, error) {
	if _, exists := t.store.products[p.SKU]; exists {
		return Product{}, ErrDuplicateSKU
	}
	t.store.nextID++
	p.ID = t.store.nextID
	p.Version = 1
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.SourcedAt.IsZero() {
		p.SourcedAt = now
	}
	t.store.products[p.SKU] = p
	return p, nil
}

func (t *memoryTx) Update(ctx context.Context, p Product, expectedVersion int64) (Product, error) {
	current, ok := t.store.products[p.SKU]
	if !ok {
		return Product{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Product{}, ErrVersionConflict
	}
	p.ID = current.ID
	p.Version = current.Version + 1
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	t.store.products[p.SKU] = p
	return p, nil
}

func (t *memoryTx) UpsertBrand(ctx context.Context, name string) (Brand, error) {
	if b, ok := t.store.brands[name]; ok {
		return b, nil
	}
	t.store.nextID++
	b := Brand{ID: t.store.nextID, Name: name, Slug: slugify(name), Active: true}
	t.store.brands[name] = b
	return b, nil
}

func (t *memoryTx) UpsertCategory(ctx context.Context, name string, parentID int64) (Category, error) {
	if c, ok := t.store.categories[name]; ok {
		return c, nil
	}
	t.store.nextID++
	c := Category{ID: t.store.nextID, Name: name, Slug: slugify(name), ParentID: parentID, Active: true}
	var parentPath []int64
	for _, parent := range t.store.categories {
		if parent.ID == parentID {
			parentPath = parent.Path
		}
	}
	c.Path = append(append([]int64{}, parentPath...), c.ID)
	c.Level = len(c.Path) - 1
	t.store.categories[name] = c
	return c, nil
}

func (t *memoryTx) SetCategoryParent(ctx context.Context, id, parentID int64) (Category, error) {
	var node Category
	var nodeName string
	for name, c := range t.store.categories {
		if c.ID == id {
			node, nodeName = c, name
		}
	}
	if nodeName == "" {
		return Category{}, ErrNotFound
	}
	if parentID == id {
		return Category{}, ErrCategoryCycle
	}
	for _, c := range t.store.categories {
		if c.ID == parentID {
			for _, ancestor := range c.Path {
				if ancestor == id {
					return Category{}, ErrCategoryCycle
				}
			}
			node.ParentID = parentID
			node.Path = append(append([]int64{}, c.Path...), id)
			node.Level = len(node.Path) - 1
			t.store.categories[nodeName] = node
			return node, nil
		}
	}
	if parentID == 0 {
		node.ParentID = 0
		node.Path = []int64{id}
		node.Level = 0
		t.store.categories[nodeName] = node
		return node, nil
	}
	return Category{}, ErrNotFound
}

func (t *memoryTx) RecountBrand(ctx context.Context, id int64) error    { return nil }
func (t *memoryTx) RecountCategory(ctx context.Context, id int64) error { return nil }

func (t *memoryTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	t.store.audit = append(t.store.audit, entry)
	return nil
}

func validProduct(sku string) Product {
	return Product{
		SKU:            sku,
		Name:           "Aviator Classic",
		BrandID:        1,
		BrandName:      "Northgaze",
		CategoryID:     2,
		CategoryName:   "Sunglasses",
		FrameType:      "full-rim",
		FrameShape:     "aviator",
		FrameMaterial:  "metal",
		LensType:       "polarized",
		LensWidthMM:    58,
		BridgeWidthMM:  14,
		TempleLengthMM: 140,
		Price:          129.90,
		Currency:       "USD",
		InventoryQty:   12,
		Active:         true,
		QualityScore:   0.8,
		Source:         SourceManual,
	}
}

func TestCreateAndFindRoundtrip(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, validProduct("FR-100"))
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)
	require.True(t, created.InStock)
	require.Equal(t, DefaultFaceShapeScores(), created.FaceShapes)
	require.False(t, created.AIEnhanced)

	found, err := svc.FindBySKU(ctx, "FR-100")
	require.NoError(t, err)
	require.Equal(t, created, found)

	trail, err := svc.AuditTrail(ctx, "FR-100", 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, AuditActionCreate, trail[0].Action)
}

func TestCreateRejectsInvalidProduct(t *testing.T) {
	svc := NewService(newMemoryStore(), nil, nil, nil)

	bad := validProduct("FR-101")
	bad.Price = -5
	_, err := svc.Create(context.Background(), bad)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Errors)
}

func TestCreateDuplicateSKU(t *testing.T) {
	svc := NewService(newMemoryStore(), nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, validProduct("FR-102"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, validProduct("FR-102"))
	require.ErrorIs(t, err, ErrDuplicateSKU)
}

func TestUpdateVersionConflict(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, validProduct("FR-103"))
	require.NoError(t, err)

	price := 149.90
	updated, err := svc.Update(ctx, "FR-103", ProductPatch{Price: &price}, created.Version)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	stale := 99.90
	_, err = svc.Update(ctx, "FR-103", ProductPatch{Price: &stale}, created.Version)
	require.ErrorIs(t, err, ErrVersionConflict)

	current, err := svc.FindBySKU(ctx, "FR-103")
	require.NoError(t, err)
	require.Equal(t, 149.90, current.Price)
	require.Equal(t, int64(2), current.Version)
}

func TestSoftDelete(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, validProduct("FR-104"))
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, "FR-104", SourceExternal)
	require.NoError(t, err)
	require.False(t, deleted.Active)

	// Still retrievable by SKU.
	found, err := svc.FindBySKU(ctx, "FR-104")
	require.NoError(t, err)
	require.False(t, found.Active)

	// Excluded from default active-only queries.
	page, err := svc.Query(ctx, Filters{}, PageRequest{Page: 1, Limit: 10}, Sort{})
	require.NoError(t, err)
	require.Empty(t, page.Products)

	// Deleting again is a no-op, not an error.
	again, err := svc.Delete(ctx, "FR-104", SourceExternal)
	require.NoError(t, err)
	require.Equal(t, deleted.Version, again.Version)
}

func TestBulkUpsertPartialFailure(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	good1 := validProduct("A1")
	bad := validProduct("A2")
	bad.Price = -10
	good2 := validProduct("A3")

	result, err := svc.BulkUpsert(ctx, []Product{good1, bad, good2})
	require.NoError(t, err)
	require.Equal(t, 2, result.Succeeded)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, UpsertFailed, result.Records[1].Outcome)

	page, err := svc.Query(ctx, Filters{}, PageRequest{Page: 1, Limit: 10}, Sort{})
	require.NoError(t, err)
	require.Len(t, page.Products, 2)
	require.Equal(t, "A1", page.Products[0].SKU)
	require.Equal(t, "A3", page.Products[1].SKU)
}

func TestBulkUpsertIsIdempotentOnSKU(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	result, err := svc.BulkUpsert(ctx, []Product{validProduct("FR-105")})
	require.NoError(t, err)
	require.Equal(t, UpsertCreated, result.Records[0].Outcome)

	result, err = svc.BulkUpsert(ctx, []Product{validProduct("FR-105")})
	require.NoError(t, err)
	require.Equal(t, UpsertUpdated, result.Records[0].Outcome)
	require.Len(t, store.products, 1)
}

func TestFaceShapeInvariantAlwaysHolds(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, validProduct("FR-106"))
	require.NoError(t, err)

	p, err := svc.FindBySKU(ctx, "FR-106")
	require.NoError(t, err)
	for _, shape := range FaceShapes {
		score, ok := p.FaceShapes.Score(shape)
		require.True(t, ok)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)
	}
}

func TestCategoryCycleRejected(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	root, err := svc.EnsureCategory(ctx, "Eyewear", 0)
	require.NoError(t, err)
	child, err := svc.EnsureCategory(ctx, "Sunglasses", root.ID)
	require.NoError(t, err)
	grandchild, err := svc.EnsureCategory(ctx, "Polarized", child.ID)
	require.NoError(t, err)

	_, err = svc.MoveCategory(ctx, root.ID, grandchild.ID)
	require.ErrorIs(t, err, ErrCategoryCycle)

	_, err = svc.MoveCategory(ctx, child.ID, child.ID)
	require.ErrorIs(t, err, ErrCategoryCycle)
}

func TestQueryByFaceShape(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, nil, nil, nil)
	ctx := context.Background()

	scores := []float64{0.9, 0.4, 0.75, 0.6, 0.3}
	for i, score := range scores {
		p := validProduct("FS-" + string(rune('A'+i)))
		p.FaceShapes = DefaultFaceShapeScores()
		p.FaceShapes.Oval = score
		p.AIEnhanced = true
		_, err := svc.Create(ctx, p)
		require.NoError(t, err)
	}

	page, err := svc.Query(ctx,
		Filters{FaceShape: FaceShapeOval, MinCompatibility: 0.7},
		PageRequest{Page: 1, Limit: 10},
		Sort{Field: "compatibility"},
	)
	require.NoError(t, err)
	require.Len(t, page.Products, 2)
	require.Equal(t, "FS-A", page.Products[0].SKU)
	require.Equal(t, "FS-C", page.Products[1].SKU)
}
