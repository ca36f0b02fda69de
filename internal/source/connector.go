// Package source integrates external product feeds. Each feed is a
// Connector variant; no state is shared between implementations.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// EventType enumerates webhook event kinds from a source system.
type EventType string

const (
	EventProductCreated EventType = "product.created"
	EventProductUpdated EventType = "product.updated"
	EventProductDeleted EventType = "product.deleted"
	EventQualityUpdated EventType = "quality.updated"
)

// Event is one webhook notification. Product is present for created,
// updated and quality events; deletions carry only the SKU.
type Event struct {
	Type      EventType   `json:"event_type"`
	SKU       string      `json:"sku"`
	Product   *RawProduct `json:"product,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RawProduct is the source system's wire shape before transformation.
type RawProduct struct {
	ExternalID   string   `json:"id"`
	SKU          string   `json:"sku"`
	ModelName    string   `json:"model_name"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	Brand        string   `json:"brand"`
	Category     string   `json:"category"`
	Frame        Frame    `json:"frame"`
	LensType     string   `json:"lens_type"`
	Measurements Sizing   `json:"measurements"`
	Pricing      Pricing  `json:"pricing"`
	StockQty     int      `json:"stock_quantity"`
	Status       string   `json:"status"`
	QualityScore float64  `json:"quality_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Frame groups the frame attributes of a source record.
type Frame struct {
	Type     string `json:"type"`
	Shape    string `json:"shape"`
	Material string `json:"material"`
}

// Sizing carries the physical measurements in millimetres.
type Sizing struct {
	LensWidth    float64 `json:"lens_width"`
	BridgeWidth  float64 `json:"bridge_width"`
	TempleLength float64 `json:"temple_length"`
}

// Pricing carries the commercial fields of a source record.
type Pricing struct {
	Amount    float64 `json:"amount"`
	CompareAt float64 `json:"compare_at"`
	Currency  string  `json:"currency"`
}

// ExtractResult is one page of records pulled from the source.
type ExtractResult struct {
	Records    []RawProduct
	NextCursor string
	HasMore    bool
}

// RefResolver resolves brand/category names to reference entities,
// creating them on first sight. The collection manager satisfies it.
type RefResolver interface {
	EnsureBrand(ctx context.Context, name string) (catalog.Brand, error)
	EnsureCategory(ctx context.Context, name string, parentID int64) (catalog.Category, error)
}

// Connector is the capability surface every source system implements.
type Connector interface {
	// ExtractPage pulls one page of records. An empty cursor starts
	// from the beginning; updatedSince narrows to changed records.
	ExtractPage(ctx context.Context, cursor string, updatedSince time.Time) (ExtractResult, error)
	// Transform maps one raw record into the catalog schema.
	Transform(ctx context.Context, raw RawProduct) (catalog.Product, error)
	// VerifySignature authenticates a webhook payload.
	VerifySignature(body []byte, signature string) error
}

// ErrBadSignature indicates webhook authentication failed.
var ErrBadSignature = errors.New("source: invalid webhook signature")

// ErrMissingTimestamp indicates an event that cannot participate in
// timestamp-based conflict resolution.
var ErrMissingTimestamp = errors.New("source: event timestamp missing")
