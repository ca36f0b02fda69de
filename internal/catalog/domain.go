package catalog

import (
	"errors"
	"time"
)

// Source enumerates where a product record originated.
type Source string

const (
	// SourceExternal marks records received from the quality system.
	SourceExternal Source = "external_system"
	// SourceImport marks records loaded from a file import.
	SourceImport Source = "import"
	// SourceManual marks records entered by an operator.
	SourceManual Source = "manual"
	// SourceMigration marks records written by the migration pipeline.
	SourceMigration Source = "migration"
)

// FaceShape names the supported face shape categories.
type FaceShape string

const (
	FaceShapeOval    FaceShape = "oval"
	FaceShapeRound   FaceShape = "round"
	FaceShapeSquare  FaceShape = "square"
	FaceShapeHeart   FaceShape = "heart"
	FaceShapeDiamond FaceShape = "diamond"
	FaceShapeOblong  FaceShape = "oblong"
)

// Valid reports whether the shape is one of the supported six.
func (s FaceShape) Valid() bool {
	switch s {
	case FaceShapeOval, FaceShapeRound, FaceShapeSquare, FaceShapeHeart, FaceShapeDiamond, FaceShapeOblong:
		return true
	}
	return false
}

// FaceShapes lists every shape in canonical order.
var FaceShapes = []FaceShape{
	FaceShapeOval,
	FaceShapeRound,
	FaceShapeSquare,
	FaceShapeHeart,
	FaceShapeDiamond,
	FaceShapeOblong,
}

// DefaultCompatibilityScore is assigned until the enhancement pipeline runs.
const DefaultCompatibilityScore = 0.5

// FaceShapeScores holds a compatibility score per face shape. All six
// fields are always populated; a product that has not been enhanced
// carries the default score everywhere.
type FaceShapeScores struct {
	Oval    float64 `json:"oval" validate:"gte=0,lte=1"`
	Round   float64 `json:"round" validate:"gte=0,lte=1"`
	Square  float64 `json:"square" validate:"gte=0,lte=1"`
	Heart   float64 `json:"heart" validate:"gte=0,lte=1"`
	Diamond float64 `json:"diamond" validate:"gte=0,lte=1"`
	Oblong  float64 `json:"oblong" validate:"gte=0,lte=1"`
}

// DefaultFaceShapeScores returns the pre-enhancement score vector.
func DefaultFaceShapeScores() FaceShapeScores {
	return FaceShapeScores{
		Oval:    DefaultCompatibilityScore,
		Round:   DefaultCompatibilityScore,
		Square:  DefaultCompatibilityScore,
		Heart:   DefaultCompatibilityScore,
		Diamond: DefaultCompatibilityScore,
		Oblong:  DefaultCompatibilityScore,
	}
}

// Score returns the value for a named shape, false when the shape is unknown.
func (s FaceShapeScores) Score(shape FaceShape) (float64, bool) {
	switch shape {
	case FaceShapeOval:
		return s.Oval, true
	case FaceShapeRound:
		return s.Round, true
	case FaceShapeSquare:
		return s.Square, true
	case FaceShapeHeart:
		return s.Heart, true
	case FaceShapeDiamond:
		return s.Diamond, true
	case FaceShapeOblong:
		return s.Oblong, true
	default:
		return 0, false
	}
}

// Product is the catalog unit served to the storefront generator.
type Product struct {
	ID             int64   `json:"id"`
	SKU            string  `json:"sku" validate:"required"`
	Name           string  `json:"name" validate:"required"`
	Description    string  `json:"description"`
	Tags           []string `json:"tags"`
	BrandID        int64   `json:"brand_id" validate:"required,gt=0"`
	BrandName      string  `json:"brand_name"`
	CategoryID     int64   `json:"category_id" validate:"required,gt=0"`
	CategoryName   string  `json:"category_name"`
	FrameType      string  `json:"frame_type"`
	FrameShape     string  `json:"frame_shape"`
	FrameMaterial  string  `json:"frame_material"`
	LensType       string  `json:"lens_type"`
	LensWidthMM    float64 `json:"lens_width_mm" validate:"gte=0"`
	BridgeWidthMM  float64 `json:"bridge_width_mm" validate:"gte=0"`
	TempleLengthMM float64 `json:"temple_length_mm" validate:"gte=0"`

	Price          float64 `json:"price" validate:"gte=0"`
	CompareAtPrice float64 `json:"compare_at_price" validate:"gte=0"`
	Currency       string  `json:"currency" validate:"required,len=3"`
	InventoryQty   int     `json:"inventory_qty" validate:"gte=0"`
	InStock        bool    `json:"in_stock"`
	Active         bool    `json:"active"`
	Featured       bool    `json:"featured"`

	FaceShapes   FaceShapeScores `json:"face_shape_compatibility"`
	AIEnhanced   bool            `json:"ai_enhanced"`
	QualityScore float64         `json:"quality_score" validate:"gte=0,lte=1"`

	Source    Source    `json:"source" validate:"required,oneof=external_system import manual migration"`
	Version   int64     `json:"version"`
	SourcedAt time.Time `json:"sourced_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FrameWidthMM derives total frame width from lens and bridge measurements.
func (p Product) FrameWidthMM() float64 {
	return 2*p.LensWidthMM + p.BridgeWidthMM
}

// Brand is a reference entity with a denormalized product count.
type Brand struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Active       bool      `json:"active"`
	ProductCount int       `json:"product_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Category is a node in the category forest. Path materializes the
// ancestor chain (root first, self last) so subtree queries never walk
// the hierarchy at read time.
type Category struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	ParentID     int64     `json:"parent_id"`
	Level        int       `json:"level"`
	Path         []int64   `json:"path"`
	Active       bool      `json:"active"`
	ProductCount int       `json:"product_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditEntry records a single catalog mutation. Entries are append-only;
// nothing in the service mutates or deletes them.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Source     Source         `json:"source"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Audit actions recorded by the collection manager.
const (
	AuditActionCreate     = "create"
	AuditActionUpdate     = "update"
	AuditActionSoftDelete = "soft_delete"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("catalog: not found")

// ErrDuplicateSKU indicates a create collided with an existing SKU.
var ErrDuplicateSKU = errors.New("catalog: duplicate sku")

// ErrVersionConflict indicates the caller's expected version is stale.
// The caller must re-read and retry; the stored document is untouched.
var ErrVersionConflict = errors.New("catalog: version conflict")

// ErrCategoryCycle indicates a category write would make a node its own
// ancestor.
var ErrCategoryCycle = errors.New("catalog: category cycle")
