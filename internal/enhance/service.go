package enhance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// Collection is the slice of the collection manager the enhancement
// pipeline writes through. Only compatibility fields are ever patched.
type Collection interface {
	FindBySKU(ctx context.Context, sku string) (catalog.Product, error)
	Update(ctx context.Context, sku string, patch catalog.ProductPatch, expectedVersion int64) (catalog.Product, error)
	Query(ctx context.Context, filters catalog.Filters, page catalog.PageRequest, sort catalog.Sort) (catalog.ProductPage, error)
}

// BatchReport summarises a batch enhancement run.
type BatchReport struct {
	Requested int      `json:"requested"`
	Enhanced  int      `json:"enhanced"`
	Skipped   int      `json:"skipped"`
	Failed    []string `json:"failed,omitempty"`
}

// Service runs compatibility analysis and applies the results.
type Service struct {
	collection Collection
	scorer     Scorer
	chunkSize  int
	logger     *slog.Logger
}

// NewService constructs the enhancement service.
func NewService(collection Collection, scorer Scorer, chunkSize int, logger *slog.Logger) *Service {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{collection: collection, scorer: scorer, chunkSize: chunkSize, logger: logger}
}

// AnalyzeProduct scores one product and applies the result as a single
// optimistic update restricted to the compatibility fields. Re-running
// on an already-enhanced product simply refreshes the vector.
func (s *Service) AnalyzeProduct(ctx context.Context, sku string) (catalog.Product, error) {
	product, err := s.collection.FindBySKU(ctx, sku)
	if err != nil {
		return catalog.Product{}, err
	}

	scores, err := s.scorer.Score(ctx, product)
	if err != nil {
		// Keep whatever scores the product already has; the caller
		// decides whether to retry.
		return catalog.Product{}, err
	}

	enhanced := true
	patch := catalog.ProductPatch{FaceShapes: &scores, AIEnhanced: &enhanced}
	updated, err := s.collection.Update(ctx, sku, patch, product.Version)
	if errors.Is(err, catalog.ErrVersionConflict) {
		// Someone wrote between our read and write; one re-read retry.
		product, ferr := s.collection.FindBySKU(ctx, sku)
		if ferr != nil {
			return catalog.Product{}, ferr
		}
		return s.collection.Update(ctx, sku, patch, product.Version)
	}
	return updated, err
}

// AnalyzeBatch scores a set of SKUs in chunks. Each product is applied
// independently so one model failure never blocks the rest.
func (s *Service) AnalyzeBatch(ctx context.Context, skus []string) (BatchReport, error) {
	report := BatchReport{Requested: len(skus)}
	for start := 0; start < len(skus); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(skus) {
			end = len(skus)
		}
		for _, sku := range skus[start:end] {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			_, err := s.AnalyzeProduct(ctx, sku)
			switch {
			case errors.Is(err, catalog.ErrNotFound):
				report.Skipped++
			case err != nil:
				s.logger.Warn("enhancement failed", slog.String("sku", sku), slog.Any("error", err))
				report.Failed = append(report.Failed, sku)
			default:
				report.Enhanced++
			}
		}
	}
	return report, nil
}

// PendingSKUs lists active products that have not been enhanced yet,
// used by the periodic sweep.
func (s *Service) PendingSKUs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	page, err := s.collection.Query(ctx, catalog.Filters{}, catalog.PageRequest{Page: 1, Limit: limit}, catalog.Sort{Field: "created_at", Desc: true})
	if err != nil {
		return nil, err
	}
	var skus []string
	for _, p := range page.Products {
		if !p.AIEnhanced {
			skus = append(skus, p.SKU)
		}
	}
	return skus, nil
}
