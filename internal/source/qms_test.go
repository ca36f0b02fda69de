package source

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

type stubResolver struct {
	brands     map[string]int64
	categories map[string]int64
	nextID     int64
}

func newStubResolver() *stubResolver {
	return &stubResolver{brands: map[string]int64{}, categories: map[string]int64{}}
}

func (r *stubResolver) EnsureBrand(ctx context.Context, name string) (catalog.Brand, error) {
	if id, ok := r.brands[name]; ok {
		return catalog.Brand{ID: id, Name: name}, nil
	}
	r.nextID++
	r.brands[name] = r.nextID
	return catalog.Brand{ID: r.nextID, Name: name}, nil
}

func (r *stubResolver) EnsureCategory(ctx context.Context, name string, parentID int64) (catalog.Category, error) {
	if id, ok := r.categories[name]; ok {
		return catalog.Category{ID: id, Name: name}, nil
	}
	r.nextID++
	r.categories[name] = r.nextID
	return catalog.Category{ID: r.nextID, Name: name}, nil
}

func TestExtractPagePassesCursorAndPageSize(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(extractResponse{
			Products:   []RawProduct{{SKU: "FR-1", ModelName: "Wayfarer"}},
			NextCursor: "abc",
			HasMore:    true,
		})
	}))
	defer server.Close()

	conn := NewQMSConnector(QMSConfig{BaseURL: server.URL, PageSize: 50}, newStubResolver())
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	result, err := conn.ExtractPage(context.Background(), "cur-1", since)
	require.NoError(t, err)
	require.True(t, result.HasMore)
	require.Equal(t, "abc", result.NextCursor)
	require.Len(t, result.Records, 1)
	require.Equal(t, []string{"cur-1"}, gotQuery["cursor"])
	require.Equal(t, []string{"50"}, gotQuery["page_size"])
	require.Equal(t, []string{"2026-03-01T00:00:00Z"}, gotQuery["updated_since"])
}

func TestTransformResolvesRefsAndDefaults(t *testing.T) {
	resolver := newStubResolver()
	conn := NewQMSConnector(QMSConfig{BaseURL: "http://qms.local", WebhookSecret: "s"}, resolver)

	raw := RawProduct{
		SKU:          "FR-200",
		ModelName:    "Round Tortoise",
		Brand:        "Northgaze",
		Category:     "Optical",
		Frame:        Frame{Type: "Full-Rim", Shape: "Round", Material: "Acetate"},
		LensType:     "Clear",
		Measurements: Sizing{LensWidth: 50, BridgeWidth: 20, TempleLength: 145},
		Pricing:      Pricing{Amount: 89.5, Currency: "usd"},
		StockQty:     3,
		Status:       "active",
		QualityScore: 1.4,
		UpdatedAt:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}

	p, err := conn.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "FR-200", p.SKU)
	require.Equal(t, resolver.brands["Northgaze"], p.BrandID)
	require.Equal(t, resolver.categories["Optical"], p.CategoryID)
	require.Equal(t, "round", p.FrameShape)
	require.Equal(t, "USD", p.Currency)
	require.True(t, p.InStock)
	require.True(t, p.Active)
	require.Equal(t, 1.0, p.QualityScore)
	require.Equal(t, catalog.DefaultFaceShapeScores(), p.FaceShapes)
	require.False(t, p.AIEnhanced)
	require.Equal(t, catalog.SourceExternal, p.Source)
}

func TestTransformDiscontinuedIsInactive(t *testing.T) {
	conn := NewQMSConnector(QMSConfig{BaseURL: "http://qms.local"}, newStubResolver())
	p, err := conn.Transform(context.Background(), RawProduct{SKU: "FR-201", ModelName: "Old", Status: "discontinued"})
	require.NoError(t, err)
	require.False(t, p.Active)
}

func TestTransformRejectsMissingSKU(t *testing.T) {
	conn := NewQMSConnector(QMSConfig{BaseURL: "http://qms.local"}, newStubResolver())
	_, err := conn.Transform(context.Background(), RawProduct{ExternalID: "x-1"})
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	conn := NewQMSConnector(QMSConfig{BaseURL: "http://qms.local", WebhookSecret: "topsecret"}, newStubResolver())
	body := []byte(`{"event_type":"product.updated","sku":"FR-1"}`)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	require.NoError(t, conn.VerifySignature(body, sig))
	require.NoError(t, conn.VerifySignature(body, "sha256="+sig))
	require.ErrorIs(t, conn.VerifySignature(body, "deadbeef"), ErrBadSignature)
	require.ErrorIs(t, conn.VerifySignature([]byte("tampered"), sig), ErrBadSignature)
}
