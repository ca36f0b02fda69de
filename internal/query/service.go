// Package query is the cached read path of the catalog. It never
// writes products; it wraps the collection manager's read operations
// with Redis and normalised search input.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// Reader is the read slice of the collection manager.
type Reader interface {
	FindBySKU(ctx context.Context, sku string) (catalog.Product, error)
	Query(ctx context.Context, filters catalog.Filters, page catalog.PageRequest, sort catalog.Sort) (catalog.ProductPage, error)
	Brands(ctx context.Context, activeOnly bool) ([]catalog.Brand, error)
	Categories(ctx context.Context, activeOnly bool) ([]catalog.Category, error)
	Facets(ctx context.Context) (catalog.Facets, error)
	AuditTrail(ctx context.Context, sku string, limit int) ([]catalog.AuditEntry, error)
}

// CategoryNode is a category with its children resolved.
type CategoryNode struct {
	catalog.Category
	Children []*CategoryNode `json:"children,omitempty"`
}

// Service serves catalog reads through the cache.
type Service struct {
	reader Reader
	cache  *Cache
	logger *slog.Logger
}

func NewService(reader Reader, cache *Cache, logger *slog.Logger) *Service {
	return &Service{reader: reader, cache: cache, logger: logger}
}

// GetProduct returns one product by SKU, cached under its own key.
func (s *Service) GetProduct(ctx context.Context, sku string) (catalog.Product, error) {
	var p catalog.Product
	err := s.fetch(ctx, ProductKey(sku), &p, func(ctx context.Context) (any, error) {
		return s.reader.FindBySKU(ctx, sku)
	})
	return p, err
}

// GetProducts runs a filtered, sorted, paginated product query. The
// search term is accent- and case-folded before it reaches the index.
func (s *Service) GetProducts(ctx context.Context, filters catalog.Filters, page catalog.PageRequest, sorting catalog.Sort) (catalog.ProductPage, error) {
	filters.Search = NormalizeTerm(filters.Search)
	key := s.listKey(ctx, "products", filterKey(filters, page, sorting))
	var result catalog.ProductPage
	err := s.fetch(ctx, key, &result, func(ctx context.Context) (any, error) {
		return s.reader.Query(ctx, filters, page, sorting)
	})
	return result, err
}

// GetFeaturedProducts returns the highest-quality featured products.
func (s *Service) GetFeaturedProducts(ctx context.Context, limit int) ([]catalog.Product, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	featured := true
	page, err := s.GetProducts(ctx,
		catalog.Filters{Featured: &featured},
		catalog.PageRequest{Page: 1, Limit: limit},
		catalog.Sort{Field: "quality_score", Desc: true})
	if err != nil {
		return nil, err
	}
	return page.Products, nil
}

// GetProductsByFaceShape returns products scored at or above minScore
// for the given shape, best match first.
func (s *Service) GetProductsByFaceShape(ctx context.Context, shape catalog.FaceShape, minScore float64, page catalog.PageRequest) (catalog.ProductPage, error) {
	if !shape.Valid() {
		return catalog.ProductPage{}, fmt.Errorf("%w: unknown face shape %q", catalog.ErrNotFound, shape)
	}
	return s.GetProducts(ctx,
		catalog.Filters{FaceShape: shape, MinCompatibility: minScore},
		page,
		catalog.Sort{Field: "compatibility", Desc: true})
}

// GetBrands lists brands with product counts.
func (s *Service) GetBrands(ctx context.Context, activeOnly bool) ([]catalog.Brand, error) {
	key := s.listKey(ctx, "brands", strconv.FormatBool(activeOnly))
	var brands []catalog.Brand
	err := s.fetch(ctx, key, &brands, func(ctx context.Context) (any, error) {
		return s.reader.Brands(ctx, activeOnly)
	})
	return brands, err
}

// GetCategoryTree returns the category hierarchy with children nested
// under their parents, siblings sorted by name.
func (s *Service) GetCategoryTree(ctx context.Context, activeOnly bool) ([]*CategoryNode, error) {
	key := s.listKey(ctx, "categories", strconv.FormatBool(activeOnly))
	var tree []*CategoryNode
	err := s.fetch(ctx, key, &tree, func(ctx context.Context) (any, error) {
		flat, err := s.reader.Categories(ctx, activeOnly)
		if err != nil {
			return nil, err
		}
		return buildTree(flat), nil
	})
	return tree, err
}

// GetFacets returns product counts per brand and category for the
// filter sidebar.
func (s *Service) GetFacets(ctx context.Context) (catalog.Facets, error) {
	key := s.listKey(ctx, "facets")
	var facets catalog.Facets
	err := s.fetch(ctx, key, &facets, func(ctx context.Context) (any, error) {
		return s.reader.Facets(ctx)
	})
	return facets, err
}

// GetAuditTrail returns change history for one SKU, newest first.
// Audit reads bypass the cache so operators always see fresh entries.
func (s *Service) GetAuditTrail(ctx context.Context, sku string, limit int) ([]catalog.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.reader.AuditTrail(ctx, sku, limit)
}

// fetch reads through the cache and falls back to the loader when
// Redis is unavailable. A cache outage degrades latency, not reads.
func (s *Service) fetch(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	loaded := false
	err := s.cache.FetchJSON(ctx, key, dest, func(ctx context.Context) (any, error) {
		loaded = true
		return loader(ctx)
	})
	if err == nil || loaded {
		return err
	}
	value, loadErr := loader(ctx)
	if loadErr != nil {
		return loadErr
	}
	s.logger.Warn("cache bypassed", slog.String("key", key), slog.Any("error", err))
	return roundtrip(value, dest)
}

// listKey degrades to an unversioned key when the version lookup
// fails, so a Redis outage never blocks the read path.
func (s *Service) listKey(ctx context.Context, parts ...string) string {
	key, err := s.cache.ListKey(ctx, parts...)
	if err != nil {
		return strings.Join(parts, ":")
	}
	return key
}

func buildTree(flat []catalog.Category) []*CategoryNode {
	nodes := make(map[int64]*CategoryNode, len(flat))
	for _, c := range flat {
		nodes[c.ID] = &CategoryNode{Category: c}
	}
	var roots []*CategoryNode
	for _, node := range nodes {
		if parent, ok := nodes[node.ParentID]; ok && node.ParentID != node.ID {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	sortNodes(roots)
	for _, node := range nodes {
		sortNodes(node.Children)
	}
	return roots
}

func sortNodes(nodes []*CategoryNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
}

// filterKey flattens a query shape into a deterministic cache key
// fragment.
func filterKey(f catalog.Filters, page catalog.PageRequest, sorting catalog.Sort) string {
	b := make([]byte, 0, 96)
	appendPart := func(v string) {
		b = append(b, ':')
		b = append(b, v...)
	}
	appendPart(strconv.FormatInt(f.BrandID, 10))
	appendPart(strconv.FormatInt(f.CategoryID, 10))
	appendPart(f.FrameType)
	appendPart(f.FrameShape)
	appendPart(f.FrameMaterial)
	appendPart(floatPart(f.PriceMin))
	appendPart(floatPart(f.PriceMax))
	appendPart(boolPart(f.InStock))
	appendPart(boolPart(f.Active))
	appendPart(boolPart(f.Featured))
	appendPart(floatPart(f.MinQuality))
	appendPart(string(f.FaceShape))
	appendPart(strconv.FormatFloat(f.MinCompatibility, 'f', -1, 64))
	appendPart(f.Search)
	appendPart(strconv.Itoa(page.Page))
	appendPart(strconv.Itoa(page.Limit))
	appendPart(sorting.Field)
	appendPart(strconv.FormatBool(sorting.Desc))
	return string(b[1:])
}

func floatPart(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func boolPart(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
