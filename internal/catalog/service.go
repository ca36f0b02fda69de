package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Invalidator is notified after every successful write so cached reads
// covering the SKU or its brand/category listings can be dropped. The
// cache is best effort; invalidation failures are logged, never fatal.
type Invalidator interface {
	InvalidateProduct(ctx context.Context, sku string, brandID, categoryID int64) error
}

// Service is the collection manager: the single write path for the
// product, brand and category collections.
type Service struct {
	store       Store
	validator   *Validator
	logger      *slog.Logger
	invalidator Invalidator
}

// NewService constructs the collection manager.
func NewService(store Store, validator *Validator, logger *slog.Logger, invalidator Invalidator) *Service {
	if validator == nil {
		validator = NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validator: validator, logger: logger, invalidator: invalidator}
}

// ProductPatch describes a partial update. Nil fields are left as stored.
type ProductPatch struct {
	Name           *string
	Description    *string
	Tags           *[]string
	BrandID        *int64
	BrandName      *string
	CategoryID     *int64
	CategoryName   *string
	FrameType      *string
	FrameShape     *string
	FrameMaterial  *string
	LensType       *string
	LensWidthMM    *float64
	BridgeWidthMM  *float64
	TempleLengthMM *float64
	Price          *float64
	CompareAtPrice *float64
	Currency       *string
	InventoryQty   *int
	Active         *bool
	Featured       *bool
	FaceShapes     *FaceShapeScores
	AIEnhanced     *bool
	QualityScore   *float64
	Source         *Source
	SourcedAt      *time.Time
}

// Apply copies the set fields onto p.
func (patch ProductPatch) Apply(p *Product) {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Tags != nil {
		p.Tags = *patch.Tags
	}
	if patch.BrandID != nil {
		p.BrandID = *patch.BrandID
	}
	if patch.BrandName != nil {
		p.BrandName = *patch.BrandName
	}
	if patch.CategoryID != nil {
		p.CategoryID = *patch.CategoryID
	}
	if patch.CategoryName != nil {
		p.CategoryName = *patch.CategoryName
	}
	if patch.FrameType != nil {
		p.FrameType = *patch.FrameType
	}
	if patch.FrameShape != nil {
		p.FrameShape = *patch.FrameShape
	}
	if patch.FrameMaterial != nil {
		p.FrameMaterial = *patch.FrameMaterial
	}
	if patch.LensType != nil {
		p.LensType = *patch.LensType
	}
	if patch.LensWidthMM != nil {
		p.LensWidthMM = *patch.LensWidthMM
	}
	if patch.BridgeWidthMM != nil {
		p.BridgeWidthMM = *patch.BridgeWidthMM
	}
	if patch.TempleLengthMM != nil {
		p.TempleLengthMM = *patch.TempleLengthMM
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.CompareAtPrice != nil {
		p.CompareAtPrice = *patch.CompareAtPrice
	}
	if patch.Currency != nil {
		p.Currency = *patch.Currency
	}
	if patch.InventoryQty != nil {
		p.InventoryQty = *patch.InventoryQty
	}
	if patch.Active != nil {
		p.Active = *patch.Active
	}
	if patch.Featured != nil {
		p.Featured = *patch.Featured
	}
	if patch.FaceShapes != nil {
		p.FaceShapes = *patch.FaceShapes
	}
	if patch.AIEnhanced != nil {
		p.AIEnhanced = *patch.AIEnhanced
	}
	if patch.QualityScore != nil {
		p.QualityScore = *patch.QualityScore
	}
	if patch.Source != nil {
		p.Source = *patch.Source
	}
	if patch.SourcedAt != nil {
		p.SourcedAt = *patch.SourcedAt
	}
}

// ProductPage is a paginated query result.
type ProductPage struct {
	Products []Product `json:"products"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"has_more"`
}

// normalize enforces derived-field invariants before validation.
func normalize(p *Product) {
	if p.FaceShapes == (FaceShapeScores{}) && !p.AIEnhanced {
		p.FaceShapes = DefaultFaceShapeScores()
	}
	// Inventory quantity is authoritative for the stock flag.
	p.InStock = p.InventoryQty > 0
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Source == "" {
		p.Source = SourceManual
	}
}

// Create inserts a new product at version 1 and appends an audit entry.
func (s *Service) Create(ctx context.Context, p Product) (Product, error) {
	normalize(&p)
	if err := s.validator.ValidateProduct(p).Err(); err != nil {
		return Product{}, err
	}

	var created Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		created, err = tx.Insert(ctx, p)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, AuditEntry{
			Entity:   "product",
			EntityID: created.SKU,
			Action:   AuditActionCreate,
			After:    productState(created),
			Source:   created.Source,
		}); err != nil {
			return err
		}
		if err := tx.RecountBrand(ctx, created.BrandID); err != nil {
			return err
		}
		return tx.RecountCategory(ctx, created.CategoryID)
	})
	if err != nil {
		return Product{}, err
	}

	s.invalidate(ctx, created.SKU, created.BrandID, created.CategoryID)
	return created, nil
}

// Update applies a partial update guarded by the optimistic version
// check. A stale expectedVersion fails with ErrVersionConflict and
// leaves the stored document untouched.
func (s *Service) Update(ctx context.Context, sku string, patch ProductPatch, expectedVersion int64) (Product, error) {
	var updated Product
	var before Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		current, err := tx.FindBySKUForUpdate(ctx, sku)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}
		before = current

		next := current
		patch.Apply(&next)
		normalize(&next)
		if err := s.validator.ValidateProduct(next).Err(); err != nil {
			return err
		}

		updated, err = tx.Update(ctx, next, expectedVersion)
		if err != nil {
			return err
		}
		beforeState, afterState := diffStates(productState(before), productState(updated))
		if err := tx.AppendAudit(ctx, AuditEntry{
			Entity:   "product",
			EntityID: sku,
			Action:   AuditActionUpdate,
			Before:   beforeState,
			After:    afterState,
			Source:   updated.Source,
		}); err != nil {
			return err
		}
		if err := tx.RecountBrand(ctx, updated.BrandID); err != nil {
			return err
		}
		if before.BrandID != updated.BrandID {
			if err := tx.RecountBrand(ctx, before.BrandID); err != nil {
				return err
			}
		}
		if err := tx.RecountCategory(ctx, updated.CategoryID); err != nil {
			return err
		}
		if before.CategoryID != updated.CategoryID {
			if err := tx.RecountCategory(ctx, before.CategoryID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Product{}, err
	}

	s.invalidate(ctx, sku, updated.BrandID, updated.CategoryID)
	if before.BrandID != updated.BrandID || before.CategoryID != updated.CategoryID {
		s.invalidate(ctx, sku, before.BrandID, before.CategoryID)
	}
	return updated, nil
}

// Delete marks the product inactive. The record stays retrievable by
// SKU and in the audit trail; nothing is hard-deleted.
func (s *Service) Delete(ctx context.Context, sku string, source Source) (Product, error) {
	var deleted Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		current, err := tx.FindBySKUForUpdate(ctx, sku)
		if err != nil {
			return err
		}
		if !current.Active {
			deleted = current
			return nil
		}

		next := current
		next.Active = false
		if source != "" {
			next.Source = source
		}
		deleted, err = tx.Update(ctx, next, current.Version)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, AuditEntry{
			Entity:   "product",
			EntityID: sku,
			Action:   AuditActionSoftDelete,
			Before:   map[string]any{"active": true},
			After:    map[string]any{"active": false},
			Source:   deleted.Source,
		}); err != nil {
			return err
		}
		if err := tx.RecountBrand(ctx, deleted.BrandID); err != nil {
			return err
		}
		return tx.RecountCategory(ctx, deleted.CategoryID)
	})
	if err != nil {
		return Product{}, err
	}

	s.invalidate(ctx, sku, deleted.BrandID, deleted.CategoryID)
	return deleted, nil
}

// FindBySKU returns the product including soft-deleted records.
func (s *Service) FindBySKU(ctx context.Context, sku string) (Product, error) {
	return s.store.FindBySKU(ctx, sku)
}

// Query runs a filtered, paginated read. Unless the caller asks
// otherwise only active products are returned.
func (s *Service) Query(ctx context.Context, filters Filters, page PageRequest, sort Sort) (ProductPage, error) {
	if filters.Active == nil {
		active := true
		filters.Active = &active
	}
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.Limit <= 0 {
		page.Limit = 20
	}

	products, total, err := s.store.Query(ctx, filters, page, sort)
	if err != nil {
		return ProductPage{}, err
	}
	return ProductPage{
		Products: products,
		Total:    total,
		Page:     page.Page,
		Limit:    page.Limit,
		HasMore:  page.Page*page.Limit < total,
	}, nil
}

// UpsertOutcome reports what BulkUpsert did with one record.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertFailed    UpsertOutcome = "failed"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// RecordResult carries per-record detail from a bulk upsert.
type RecordResult struct {
	SKU     string        `json:"sku"`
	Outcome UpsertOutcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// BulkResult summarises a bulk upsert batch.
type BulkResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Records   []RecordResult `json:"records"`
}

// BulkUpsert applies each record independently so one bad record never
// rolls back its batch neighbours. Existing SKUs are updated under the
// version read inside the same transaction.
func (s *Service) BulkUpsert(ctx context.Context, records []Product) (BulkResult, error) {
	result := BulkResult{Records: make([]RecordResult, 0, len(records))}
	for _, record := range records {
		outcome, err := s.upsertOne(ctx, record)
		rr := RecordResult{SKU: record.SKU, Outcome: outcome}
		if err != nil {
			rr.Outcome = UpsertFailed
			rr.Error = err.Error()
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Records = append(result.Records, rr)
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Service) upsertOne(ctx context.Context, record Product) (UpsertOutcome, error) {
	normalize(&record)
	if err := s.validator.ValidateProduct(record).Err(); err != nil {
		return UpsertFailed, err
	}

	outcome := UpsertCreated
	var written Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		current, err := tx.FindBySKUForUpdate(ctx, record.SKU)
		switch {
		case errors.Is(err, ErrNotFound):
			written, err = tx.Insert(ctx, record)
			if err != nil {
				return err
			}
			return s.auditAndRecount(ctx, tx, AuditActionCreate, Product{}, written)
		case err != nil:
			return err
		default:
			outcome = UpsertUpdated
			next := record
			next.ID = current.ID
			next.CreatedAt = current.CreatedAt
			written, err = tx.Update(ctx, next, current.Version)
			if err != nil {
				return err
			}
			return s.auditAndRecount(ctx, tx, AuditActionUpdate, current, written)
		}
	})
	if err != nil {
		return UpsertFailed, err
	}

	s.invalidate(ctx, written.SKU, written.BrandID, written.CategoryID)
	return outcome, nil
}

func (s *Service) auditAndRecount(ctx context.Context, tx TxStore, action string, before, after Product) error {
	entry := AuditEntry{
		Entity:   "product",
		EntityID: after.SKU,
		Action:   action,
		After:    productState(after),
		Source:   after.Source,
	}
	if action == AuditActionUpdate {
		entry.Before, entry.After = diffStates(productState(before), productState(after))
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return err
	}
	if err := tx.RecountBrand(ctx, after.BrandID); err != nil {
		return err
	}
	return tx.RecountCategory(ctx, after.CategoryID)
}

// EnsureBrand resolves a brand by name, creating it on first sight.
func (s *Service) EnsureBrand(ctx context.Context, name string) (Brand, error) {
	if name == "" {
		return Brand{}, fmt.Errorf("catalog: brand name required")
	}
	var brand Brand
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		brand, err = tx.UpsertBrand(ctx, name)
		return err
	})
	return brand, err
}

// EnsureCategory resolves a category by name, creating it on first
// sight. parentID of zero means a root category.
func (s *Service) EnsureCategory(ctx context.Context, name string, parentID int64) (Category, error) {
	if name == "" {
		return Category{}, fmt.Errorf("catalog: category name required")
	}
	var category Category
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		category, err = tx.UpsertCategory(ctx, name, parentID)
		return err
	})
	return category, err
}

// MoveCategory re-parents a category, enforcing the no-cycle invariant.
func (s *Service) MoveCategory(ctx context.Context, id, parentID int64) (Category, error) {
	var category Category
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		category, err = tx.SetCategoryParent(ctx, id, parentID)
		return err
	})
	return category, err
}

// Brands lists brands for the read API.
func (s *Service) Brands(ctx context.Context, activeOnly bool) ([]Brand, error) {
	return s.store.ListBrands(ctx, activeOnly)
}

// Categories lists categories ordered parent-first.
func (s *Service) Categories(ctx context.Context, activeOnly bool) ([]Category, error) {
	return s.store.ListCategories(ctx, activeOnly)
}

// Facets aggregates brand/category product counts.
func (s *Service) Facets(ctx context.Context) (Facets, error) {
	return s.store.Facets(ctx, true)
}

// AuditTrail lists audit entries for a SKU, newest first.
func (s *Service) AuditTrail(ctx context.Context, sku string, limit int) ([]AuditEntry, error) {
	return s.store.ListAudit(ctx, "product", sku, limit)
}

func (s *Service) invalidate(ctx context.Context, sku string, brandID, categoryID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateProduct(ctx, sku, brandID, categoryID); err != nil {
		s.logger.Warn("cache invalidation failed", slog.String("sku", sku), slog.Any("error", err))
	}
}

func productState(p Product) map[string]any {
	return map[string]any{
		"sku":            p.SKU,
		"name":           p.Name,
		"brand_id":       p.BrandID,
		"category_id":    p.CategoryID,
		"frame_type":     p.FrameType,
		"frame_shape":    p.FrameShape,
		"frame_material": p.FrameMaterial,
		"lens_type":      p.LensType,
		"price":          p.Price,
		"currency":       p.Currency,
		"inventory_qty":  p.InventoryQty,
		"in_stock":       p.InStock,
		"active":         p.Active,
		"featured":       p.Featured,
		"face_shapes": map[string]any{
			"oval":    p.FaceShapes.Oval,
			"round":   p.FaceShapes.Round,
			"square":  p.FaceShapes.Square,
			"heart":   p.FaceShapes.Heart,
			"diamond": p.FaceShapes.Diamond,
			"oblong":  p.FaceShapes.Oblong,
		},
		"ai_enhanced":   p.AIEnhanced,
		"quality_score": p.QualityScore,
		"version":       p.Version,
	}
}

// diffStates trims two audit snapshots down to the keys that changed.
func diffStates(before, after map[string]any) (map[string]any, map[string]any) {
	changedBefore := map[string]any{}
	changedAfter := map[string]any{}
	for key, b := range before {
		a, ok := after[key]
		if !ok || fmt.Sprint(a) != fmt.Sprint(b) {
			changedBefore[key] = b
			if ok {
				changedAfter[key] = a
			}
		}
	}
	for key, a := range after {
		if _, ok := before[key]; !ok {
			changedAfter[key] = a
		}
	}
	return changedBefore, changedAfter
}
