package source

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// QMSConnector pulls eyewear records from the external quality
// management system over its paged JSON API.
type QMSConnector struct {
	baseURL       string
	apiKey        string
	webhookSecret []byte
	pageSize      int
	client        *http.Client
	resolver      RefResolver
}

// QMSConfig configures the connector.
type QMSConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	PageSize      int
	Timeout       time.Duration
}

// NewQMSConnector constructs the connector.
func NewQMSConnector(cfg QMSConfig, resolver RefResolver) *QMSConnector {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QMSConnector{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		pageSize:      pageSize,
		client:        &http.Client{Timeout: timeout},
		resolver:      resolver,
	}
}

type extractResponse struct {
	Products   []RawProduct `json:"products"`
	NextCursor string       `json:"next_cursor"`
	HasMore    bool         `json:"has_more"`
}

// ExtractPage fetches one page from /v1/products.
func (c *QMSConnector) ExtractPage(ctx context.Context, cursor string, updatedSince time.Time) (ExtractResult, error) {
	params := url.Values{}
	params.Set("page_size", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if !updatedSince.IsZero() {
		params.Set("updated_since", updatedSince.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/products?"+params.Encode(), nil)
	if err != nil {
		return ExtractResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("source: extract page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExtractResult{}, fmt.Errorf("source: extract page: unexpected status %d", resp.StatusCode)
	}

	var payload extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ExtractResult{}, fmt.Errorf("source: decode page: %w", err)
	}
	return ExtractResult{
		Records:    payload.Products,
		NextCursor: payload.NextCursor,
		HasMore:    payload.HasMore,
	}, nil
}

// Transform maps a raw record into the catalog schema, resolving brand
// and category names to ids and defaulting the compatibility vector.
func (c *QMSConnector) Transform(ctx context.Context, raw RawProduct) (catalog.Product, error) {
	if strings.TrimSpace(raw.SKU) == "" {
		return catalog.Product{}, fmt.Errorf("source: record %s has no sku", raw.ExternalID)
	}

	brandName := raw.Brand
	if brandName == "" {
		brandName = "Unbranded"
	}
	categoryName := raw.Category
	if categoryName == "" {
		categoryName = "Uncategorized"
	}

	brand, err := c.resolver.EnsureBrand(ctx, brandName)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("source: resolve brand %q: %w", brandName, err)
	}
	category, err := c.resolver.EnsureCategory(ctx, categoryName, 0)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("source: resolve category %q: %w", categoryName, err)
	}

	quality := raw.QualityScore
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	sourcedAt := raw.UpdatedAt
	if sourcedAt.IsZero() {
		sourcedAt = time.Now().UTC()
	}

	return catalog.Product{
		SKU:            strings.TrimSpace(raw.SKU),
		Name:           raw.ModelName,
		Description:    raw.Description,
		Tags:           raw.Tags,
		BrandID:        brand.ID,
		BrandName:      brand.Name,
		CategoryID:     category.ID,
		CategoryName:   category.Name,
		FrameType:      strings.ToLower(raw.Frame.Type),
		FrameShape:     strings.ToLower(raw.Frame.Shape),
		FrameMaterial:  strings.ToLower(raw.Frame.Material),
		LensType:       strings.ToLower(raw.LensType),
		LensWidthMM:    raw.Measurements.LensWidth,
		BridgeWidthMM:  raw.Measurements.BridgeWidth,
		TempleLengthMM: raw.Measurements.TempleLength,
		Price:          raw.Pricing.Amount,
		CompareAtPrice: raw.Pricing.CompareAt,
		Currency:       normalizeCurrency(raw.Pricing.Currency),
		InventoryQty:   raw.StockQty,
		InStock:        raw.StockQty > 0,
		Active:         raw.Status != "discontinued",
		FaceShapes:     catalog.DefaultFaceShapeScores(),
		AIEnhanced:     false,
		QualityScore:   quality,
		Source:         catalog.SourceExternal,
		SourcedAt:      sourcedAt,
	}, nil
}

// VerifySignature checks the HMAC-SHA256 hex digest the source attaches
// to each webhook delivery. Accepts an optional "sha256=" prefix.
func (c *QMSConnector) VerifySignature(body []byte, signature string) error {
	if len(c.webhookSecret) == 0 {
		return fmt.Errorf("source: webhook secret not configured")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, c.webhookSecret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return "USD"
	}
	return currency
}
