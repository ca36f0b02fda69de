package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optica-commerce/optica-catalog/internal/platform/db"
)

// Filters narrows product queries. Nil pointer fields are not applied.
type Filters struct {
	BrandID          int64
	CategoryID       int64
	FrameType        string
	FrameShape       string
	FrameMaterial    string
	PriceMin         *float64
	PriceMax         *float64
	InStock          *bool
	Active           *bool
	Featured         *bool
	MinQuality       *float64
	FaceShape        FaceShape
	MinCompatibility float64
	Search           string
}

// Sort selects the result ordering. Zero value means the default
// (featured desc, quality_score desc).
type Sort struct {
	Field string
	Desc  bool
}

// PageRequest is offset/limit pagination input.
type PageRequest struct {
	Page  int
	Limit int
}

// Facets aggregates product counts per brand and category.
type Facets struct {
	Brands     map[int64]int `json:"brands"`
	Categories map[int64]int `json:"categories"`
}

// Store is the read/write surface over the catalog collections.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	FindBySKU(ctx context.Context, sku string) (Product, error)
	Query(ctx context.Context, filters Filters, page PageRequest, sort Sort) ([]Product, int, error)
	ListBrands(ctx context.Context, activeOnly bool) ([]Brand, error)
	ListCategories(ctx context.Context, activeOnly bool) ([]Category, error)
	Facets(ctx context.Context, activeOnly bool) (Facets, error)
	ListAudit(ctx context.Context, entity, entityID string, limit int) ([]AuditEntry, error)
}

// TxStore exposes the mutations that must share one transaction so a
// product write and its audit entry commit or roll back together.
type TxStore interface {
	FindBySKUForUpdate(ctx context.Context, sku string) (Product, error)
	Insert(ctx context.Context, p Product) (Product, error)
	Update(ctx context.Context, p Product, expectedVersion int64) (Product, error)
	UpsertBrand(ctx context.Context, name string) (Brand, error)
	UpsertCategory(ctx context.Context, name string, parentID int64) (Category, error)
	SetCategoryParent(ctx context.Context, id, parentID int64) (Category, error)
	RecountBrand(ctx context.Context, id int64) error
	RecountCategory(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

const productColumns = `id, sku, name, description, tags, brand_id, brand_name, category_id, category_name,
	frame_type, frame_shape, frame_material, lens_type, lens_width_mm, bridge_width_mm, temple_length_mm,
	price, compare_at_price, currency, inventory_qty, in_stock, active, featured,
	fs_oval, fs_round, fs_square, fs_heart, fs_diamond, fs_oblong, ai_enhanced, quality_score,
	source, version, sourced_at, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.Tags, &p.BrandID, &p.BrandName, &p.CategoryID, &p.CategoryName,
		&p.FrameType, &p.FrameShape, &p.FrameMaterial, &p.LensType, &p.LensWidthMM, &p.BridgeWidthMM, &p.TempleLengthMM,
		&p.Price, &p.CompareAtPrice, &p.Currency, &p.InventoryQty, &p.InStock, &p.Active, &p.Featured,
		&p.FaceShapes.Oval, &p.FaceShapes.Round, &p.FaceShapes.Square, &p.FaceShapes.Heart, &p.FaceShapes.Diamond, &p.FaceShapes.Oblong,
		&p.AIEnhanced, &p.QualityScore,
		&p.Source, &p.Version, &p.SourcedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func findBySKU(ctx context.Context, q querier, sku string, forUpdate bool) (Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE sku = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(q.QueryRow(ctx, query, sku))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// FindBySKU returns the product regardless of active flag.
func (r *Repository) FindBySKU(ctx context.Context, sku string) (Product, error) {
	return findBySKU(ctx, r.pool, sku, false)
}

func (s *txStore) FindBySKUForUpdate(ctx context.Context, sku string) (Product, error) {
	return findBySKU(ctx, s.tx, sku, true)
}

func (s *txStore) Insert(ctx context.Context, p Product) (Product, error) {
	query := `INSERT INTO products (sku, name, description, tags, brand_id, brand_name, category_id, category_name,
		frame_type, frame_shape, frame_material, lens_type, lens_width_mm, bridge_width_mm, temple_length_mm,
		price, compare_at_price, currency, inventory_qty, in_stock, active, featured,
		fs_oval, fs_round, fs_square, fs_heart, fs_diamond, fs_oblong, ai_enhanced, quality_score,
		source, version, sourced_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,
		$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)
		RETURNING id, version, created_at, updated_at`
	now := time.Now().UTC()
	sourcedAt := p.SourcedAt
	if sourcedAt.IsZero() {
		sourcedAt = now
	}
	err := s.tx.QueryRow(ctx, query,
		p.SKU, p.Name, p.Description, p.Tags, p.BrandID, p.BrandName, p.CategoryID, p.CategoryName,
		p.FrameType, p.FrameShape, p.FrameMaterial, p.LensType, p.LensWidthMM, p.BridgeWidthMM, p.TempleLengthMM,
		p.Price, p.CompareAtPrice, p.Currency, p.InventoryQty, p.InStock, p.Active, p.Featured,
		p.FaceShapes.Oval, p.FaceShapes.Round, p.FaceShapes.Square, p.FaceShapes.Heart, p.FaceShapes.Diamond, p.FaceShapes.Oblong,
		p.AIEnhanced, p.QualityScore,
		p.Source, int64(1), sourcedAt, now, now,
	).Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Product{}, ErrDuplicateSKU
		}
		return Product{}, err
	}
	p.SourcedAt = sourcedAt
	return p, nil
}

// Update rewrites the full row, guarded by the optimistic version check.
// The stored version must equal expectedVersion or the update is refused.
func (s *txStore) Update(ctx context.Context, p Product, expectedVersion int64) (Product, error) {
	query := `UPDATE products SET name=$1, description=$2, tags=$3, brand_id=$4, brand_name=$5,
		category_id=$6, category_name=$7, frame_type=$8, frame_shape=$9, frame_material=$10, lens_type=$11,
		lens_width_mm=$12, bridge_width_mm=$13, temple_length_mm=$14, price=$15, compare_at_price=$16,
		currency=$17, inventory_qty=$18, in_stock=$19, active=$20, featured=$21,
		fs_oval=$22, fs_round=$23, fs_square=$24, fs_heart=$25, fs_diamond=$26, fs_oblong=$27,
		ai_enhanced=$28, quality_score=$29, source=$30, version=version+1, sourced_at=$31, updated_at=$32
		WHERE sku=$33 AND version=$34
		RETURNING id, version, created_at, updated_at`
	now := time.Now().UTC()
	sourcedAt := p.SourcedAt
	if sourcedAt.IsZero() {
		sourcedAt = now
	}
	err := s.tx.QueryRow(ctx, query,
		p.Name, p.Description, p.Tags, p.BrandID, p.BrandName,
		p.CategoryID, p.CategoryName, p.FrameType, p.FrameShape, p.FrameMaterial, p.LensType,
		p.LensWidthMM, p.BridgeWidthMM, p.TempleLengthMM, p.Price, p.CompareAtPrice,
		p.Currency, p.InventoryQty, p.InStock, p.Active, p.Featured,
		p.FaceShapes.Oval, p.FaceShapes.Round, p.FaceShapes.Square, p.FaceShapes.Heart, p.FaceShapes.Diamond, p.FaceShapes.Oblong,
		p.AIEnhanced, p.QualityScore, p.Source, sourcedAt, now,
		p.SKU, expectedVersion,
	).Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := findBySKU(ctx, s.tx, p.SKU, false); findErr == nil {
				return Product{}, ErrVersionConflict
			}
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	p.SourcedAt = sourcedAt
	p.UpdatedAt = now
	return p, nil
}

func (s *txStore) UpsertBrand(ctx context.Context, name string) (Brand, error) {
	query := `INSERT INTO brands (name, slug, active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET updated_at = NOW()
		RETURNING id, name, slug, active, product_count, created_at, updated_at`
	var b Brand
	err := s.tx.QueryRow(ctx, query, name, slugify(name)).Scan(
		&b.ID, &b.Name, &b.Slug, &b.Active, &b.ProductCount, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func (s *txStore) UpsertCategory(ctx context.Context, name string, parentID int64) (Category, error) {
	var parent Category
	if parentID != 0 {
		var err error
		parent, err = fetchCategory(ctx, s.tx, parentID)
		if err != nil {
			return Category{}, err
		}
	}

	query := `INSERT INTO categories (name, slug, parent_id, level, path, active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, TRUE, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET updated_at = NOW()
		RETURNING id, name, slug, COALESCE(parent_id, 0), level, path, active, product_count, created_at, updated_at`
	level := parent.Level + 1
	if parentID == 0 {
		level = 0
	}
	var c Category
	err := s.tx.QueryRow(ctx, query, name, slugify(name), parentID, level, append(append([]int64{}, parent.Path...), 0)).Scan(
		&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.Level, &c.Path, &c.Active, &c.ProductCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Category{}, err
	}
	// Path is materialized with the node's own id as the last element.
	// A fresh insert cannot know its id up front, so patch it here.
	if len(c.Path) == 0 || c.Path[len(c.Path)-1] != c.ID {
		c.Path = append(append([]int64{}, parent.Path...), c.ID)
		if _, err := s.tx.Exec(ctx, `UPDATE categories SET path=$1, level=$2 WHERE id=$3`, c.Path, level, c.ID); err != nil {
			return Category{}, err
		}
		c.Level = level
	}
	return c, nil
}

// SetCategoryParent re-parents a category, refusing writes that would
// make the node its own ancestor.
func (s *txStore) SetCategoryParent(ctx context.Context, id, parentID int64) (Category, error) {
	node, err := fetchCategory(ctx, s.tx, id)
	if err != nil {
		return Category{}, err
	}
	var parent Category
	if parentID != 0 {
		if parentID == id {
			return Category{}, ErrCategoryCycle
		}
		parent, err = fetchCategory(ctx, s.tx, parentID)
		if err != nil {
			return Category{}, err
		}
		for _, ancestor := range parent.Path {
			if ancestor == id {
				return Category{}, ErrCategoryCycle
			}
		}
	}

	newPath := append(append([]int64{}, parent.Path...), id)
	newLevel := len(parent.Path)
	if _, err := s.tx.Exec(ctx,
		`UPDATE categories SET parent_id=NULLIF($1, 0), path=$2, level=$3, updated_at=NOW() WHERE id=$4`,
		parentID, newPath, newLevel, id,
	); err != nil {
		return Category{}, err
	}

	// Rewrite descendant paths: swap the old prefix for the new one.
	if _, err := s.tx.Exec(ctx,
		`UPDATE categories SET path = $1 || path[$2:], level = level + $3, updated_at = NOW()
		 WHERE path @> ARRAY[$4]::bigint[] AND id <> $4`,
		newPath[:len(newPath)-1], len(node.Path), newLevel-node.Level, id,
	); err != nil {
		return Category{}, err
	}

	node.ParentID = parentID
	node.Path = newPath
	node.Level = newLevel
	return node, nil
}

func fetchCategory(ctx context.Context, q querier, id int64) (Category, error) {
	var c Category
	err := q.QueryRow(ctx,
		`SELECT id, name, slug, COALESCE(parent_id, 0), level, path, active, product_count, created_at, updated_at
		 FROM categories WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.Level, &c.Path, &c.Active, &c.ProductCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	return c, err
}

func (s *txStore) RecountBrand(ctx context.Context, id int64) error {
	_, err := s.tx.Exec(ctx,
		`UPDATE brands SET product_count = (SELECT COUNT(*) FROM products WHERE brand_id = $1 AND active) WHERE id = $1`, id)
	return err
}

func (s *txStore) RecountCategory(ctx context.Context, id int64) error {
	_, err := s.tx.Exec(ctx,
		`UPDATE categories SET product_count = (SELECT COUNT(*) FROM products WHERE category_id = $1 AND active) WHERE id = $1`, id)
	return err
}

func (s *txStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	at := entry.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.tx.Exec(ctx,
		`INSERT INTO audit_logs (entity, entity_id, action, before, after, source, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Entity, entry.EntityID, entry.Action, entry.Before, entry.After, entry.Source, at,
	)
	return err
}

// Query returns matching products plus the unpaginated total.
func (r *Repository) Query(ctx context.Context, filters Filters, page PageRequest, sort Sort) ([]Product, int, error) {
	where, args := buildWhere(filters)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + productColumns + ` FROM products` + where + ` ORDER BY ` + sortOrder(sort, filters.FaceShape)

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := (page.Page - 1) * limit
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func buildWhere(filters Filters) (string, []any) {
	clauses := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filters.BrandID != 0 {
		clauses = append(clauses, "brand_id = "+arg(filters.BrandID))
	}
	if filters.CategoryID != 0 {
		clauses = append(clauses, "category_id = "+arg(filters.CategoryID))
	}
	if filters.FrameType != "" {
		clauses = append(clauses, "frame_type = "+arg(filters.FrameType))
	}
	if filters.FrameShape != "" {
		clauses = append(clauses, "frame_shape = "+arg(filters.FrameShape))
	}
	if filters.FrameMaterial != "" {
		clauses = append(clauses, "frame_material = "+arg(filters.FrameMaterial))
	}
	if filters.PriceMin != nil {
		clauses = append(clauses, "price >= "+arg(*filters.PriceMin))
	}
	if filters.PriceMax != nil {
		clauses = append(clauses, "price <= "+arg(*filters.PriceMax))
	}
	if filters.InStock != nil {
		clauses = append(clauses, "in_stock = "+arg(*filters.InStock))
	}
	if filters.Active != nil {
		clauses = append(clauses, "active = "+arg(*filters.Active))
	}
	if filters.Featured != nil {
		clauses = append(clauses, "featured = "+arg(*filters.Featured))
	}
	if filters.MinQuality != nil {
		clauses = append(clauses, "quality_score >= "+arg(*filters.MinQuality))
	}
	if col, ok := faceShapeColumn(filters.FaceShape); ok {
		clauses = append(clauses, col+" >= "+arg(filters.MinCompatibility))
	}
	if filters.Search != "" {
		clauses = append(clauses, "search_tsv @@ plainto_tsquery('simple', "+arg(filters.Search)+")")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func faceShapeColumn(shape FaceShape) (string, bool) {
	switch shape {
	case FaceShapeOval:
		return "fs_oval", true
	case FaceShapeRound:
		return "fs_round", true
	case FaceShapeSquare:
		return "fs_square", true
	case FaceShapeHeart:
		return "fs_heart", true
	case FaceShapeDiamond:
		return "fs_diamond", true
	case FaceShapeOblong:
		return "fs_oblong", true
	default:
		return "", false
	}
}

func sortOrder(sort Sort, shape FaceShape) string {
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	switch sort.Field {
	case "price":
		return "price " + dir + ", id ASC"
	case "name":
		return "name " + dir + ", id ASC"
	case "created_at":
		return "created_at " + dir + ", id ASC"
	case "quality_score":
		return "quality_score " + dir + ", id ASC"
	case "compatibility":
		if col, ok := faceShapeColumn(shape); ok {
			return col + " DESC, id ASC"
		}
		return "quality_score DESC, id ASC"
	default:
		return "featured DESC, quality_score DESC, id ASC"
	}
}

// ListBrands returns brands ordered by name.
func (r *Repository) ListBrands(ctx context.Context, activeOnly bool) ([]Brand, error) {
	query := `SELECT id, name, slug, active, product_count, created_at, updated_at FROM brands`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var brands []Brand
	for rows.Next() {
		var b Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.Slug, &b.Active, &b.ProductCount, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		brands = append(brands, b)
	}
	return brands, rows.Err()
}

// ListCategories returns categories ordered by path so parents precede
// their children.
func (r *Repository) ListCategories(ctx context.Context, activeOnly bool) ([]Category, error) {
	query := `SELECT id, name, slug, COALESCE(parent_id, 0), level, path, active, product_count, created_at, updated_at FROM categories`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY path`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.ParentID, &c.Level, &c.Path, &c.Active, &c.ProductCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// Facets counts active products per brand and category.
func (r *Repository) Facets(ctx context.Context, activeOnly bool) (Facets, error) {
	facets := Facets{Brands: map[int64]int{}, Categories: map[int64]int{}}
	where := ""
	if activeOnly {
		where = ` WHERE active`
	}

	rows, err := r.pool.Query(ctx, `SELECT brand_id, COUNT(*) FROM products`+where+` GROUP BY brand_id`)
	if err != nil {
		return Facets{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return Facets{}, err
		}
		facets.Brands[id] = count
	}
	if err := rows.Err(); err != nil {
		return Facets{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT category_id, COUNT(*) FROM products`+where+` GROUP BY category_id`)
	if err != nil {
		return Facets{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return Facets{}, err
		}
		facets.Categories[id] = count
	}
	return facets, rows.Err()
}

// ListAudit returns audit entries for an entity, newest first.
func (r *Repository) ListAudit(ctx context.Context, entity, entityID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, entity, entity_id, action, before, after, source, occurred_at
		 FROM audit_logs WHERE entity = $1 AND entity_id = $2 ORDER BY occurred_at DESC, id DESC LIMIT $3`,
		entity, entityID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Entity, &e.EntityID, &e.Action, &e.Before, &e.After, &e.Source, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, slug)
	return strings.Trim(slug, "-")
}
