// Package enhance integrates the external compatibility-scoring model.
// Scoring failures degrade gracefully: the stored score vector is left
// untouched and the product simply stays unenhanced.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// Scorer produces a compatibility score vector for a product.
type Scorer interface {
	Score(ctx context.Context, p catalog.Product) (catalog.FaceShapeScores, error)
}

// HTTPScorer calls the external scoring model over its JSON API.
type HTTPScorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// ScorerConfig configures the HTTP scorer.
type ScorerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPScorer constructs the scorer client.
func NewHTTPScorer(cfg ScorerConfig) *HTTPScorer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPScorer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	SKU           string  `json:"sku"`
	FrameType     string  `json:"frame_type"`
	FrameShape    string  `json:"frame_shape"`
	FrameMaterial string  `json:"frame_material"`
	LensWidthMM   float64 `json:"lens_width_mm"`
	BridgeWidthMM float64 `json:"bridge_width_mm"`
	FrameWidthMM  float64 `json:"frame_width_mm"`
}

type scoreResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Score submits the product's frame geometry and returns the model's
// per-shape scores clamped into [0,1].
func (s *HTTPScorer) Score(ctx context.Context, p catalog.Product) (catalog.FaceShapeScores, error) {
	payload, err := json.Marshal(scoreRequest{
		SKU:           p.SKU,
		FrameType:     p.FrameType,
		FrameShape:    p.FrameShape,
		FrameMaterial: p.FrameMaterial,
		LensWidthMM:   p.LensWidthMM,
		BridgeWidthMM: p.BridgeWidthMM,
		FrameWidthMM:  p.FrameWidthMM(),
	})
	if err != nil {
		return catalog.FaceShapeScores{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/compatibility", bytes.NewReader(payload))
	if err != nil {
		return catalog.FaceShapeScores{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return catalog.FaceShapeScores{}, fmt.Errorf("enhance: score %s: %w", p.SKU, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return catalog.FaceShapeScores{}, fmt.Errorf("enhance: score %s: unexpected status %d", p.SKU, resp.StatusCode)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return catalog.FaceShapeScores{}, fmt.Errorf("enhance: decode scores for %s: %w", p.SKU, err)
	}
	return normalizeScores(decoded.Scores), nil
}

// normalizeScores maps the model output onto the fixed six-key vector.
// Missing shapes fall back to the default score; values are clamped.
func normalizeScores(raw map[string]float64) catalog.FaceShapeScores {
	scores := catalog.DefaultFaceShapeScores()
	set := func(dst *float64, shape catalog.FaceShape) {
		v, ok := raw[string(shape)]
		if !ok {
			return
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		*dst = v
	}
	set(&scores.Oval, catalog.FaceShapeOval)
	set(&scores.Round, catalog.FaceShapeRound)
	set(&scores.Square, catalog.FaceShapeSquare)
	set(&scores.Heart, catalog.FaceShapeHeart)
	set(&scores.Diamond, catalog.FaceShapeDiamond)
	set(&scores.Oblong, catalog.FaceShapeOblong)
	return scores
}
