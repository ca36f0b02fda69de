package sync

import (
	"strings"
	"time"

	"github.com/optica-commerce/optica-catalog/internal/catalog"
)

// Strategy decides which side wins when local and incoming data both
// changed since the last sync point.
type Strategy int

const (
	// StrategySourceWins always takes the incoming value. Used for
	// physical stock, where the source system is authoritative.
	StrategySourceWins Strategy = iota
	// StrategyLocalWins keeps the stored value. Used for AI
	// compatibility fields owned by the enhancement pipeline.
	StrategyLocalWins
	// StrategyLatestTimestamp takes whichever side changed last.
	StrategyLatestTimestamp
)

// Rule binds a field pattern to a resolution strategy. Patterns are
// exact field names, a "prefix.*" wildcard, or the catch-all "*".
type Rule struct {
	Pattern  string
	Strategy Strategy
}

// Policy is an ordered rule table evaluated top-down; the first match
// wins, so specific rules precede the catch-all.
type Policy []Rule

// DefaultPolicy implements the documented resolution order.
var DefaultPolicy = Policy{
	{Pattern: "inventory_qty", Strategy: StrategySourceWins},
	{Pattern: "in_stock", Strategy: StrategySourceWins},
	{Pattern: "face_shape_compatibility.*", Strategy: StrategyLocalWins},
	{Pattern: "ai_enhanced", Strategy: StrategyLocalWins},
	{Pattern: "*", Strategy: StrategyLatestTimestamp},
}

// Resolve returns the strategy for a field.
func (p Policy) Resolve(field string) Strategy {
	for _, rule := range p {
		if matches(rule.Pattern, field) {
			return rule.Strategy
		}
	}
	return StrategyLatestTimestamp
}

func matches(pattern, field string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(field, prefix+".")
	}
	return pattern == field
}

// ResolvePatch merges an incoming source record into the stored product
// under the policy table. The returned patch contains only fields the
// incoming side is allowed to change; changed reports whether applying
// it would alter the stored document at all.
//
// The last sync point is local.SourcedAt. Local manual edits are dated
// by UpdatedAt; the enhancement pipeline only ever touches fields under
// local-wins rules, so UpdatedAt movement from enhancement never blocks
// source updates to other fields.
func ResolvePatch(local, incoming catalog.Product, eventTime time.Time, policy Policy) (catalog.ProductPatch, bool) {
	localEdited := local.SourcedAt
	if local.Source == catalog.SourceManual && local.UpdatedAt.After(localEdited) {
		localEdited = local.UpdatedAt
	}
	incomingWinsByTime := eventTime.After(localEdited)

	var patch catalog.ProductPatch
	changed := false

	take := func(field string, apply func()) {
		switch policy.Resolve(field) {
		case StrategySourceWins:
			apply()
		case StrategyLocalWins:
			// keep stored value
		case StrategyLatestTimestamp:
			if incomingWinsByTime {
				apply()
			}
		}
	}

	take("inventory_qty", func() {
		if local.InventoryQty != incoming.InventoryQty {
			patch.InventoryQty = &incoming.InventoryQty
			changed = true
		}
	})
	take("face_shape_compatibility.oval", func() {
		if local.FaceShapes != incoming.FaceShapes {
			patch.FaceShapes = &incoming.FaceShapes
			changed = true
		}
	})
	take("ai_enhanced", func() {
		if local.AIEnhanced != incoming.AIEnhanced {
			patch.AIEnhanced = &incoming.AIEnhanced
			changed = true
		}
	})
	take("name", func() {
		if incoming.Name != "" && local.Name != incoming.Name {
			patch.Name = &incoming.Name
			changed = true
		}
	})
	take("description", func() {
		if local.Description != incoming.Description {
			patch.Description = &incoming.Description
			changed = true
		}
	})
	take("tags", func() {
		if !equalTags(local.Tags, incoming.Tags) {
			patch.Tags = &incoming.Tags
			changed = true
		}
	})
	take("brand_id", func() {
		if incoming.BrandID != 0 && local.BrandID != incoming.BrandID {
			patch.BrandID = &incoming.BrandID
			patch.BrandName = &incoming.BrandName
			changed = true
		}
	})
	take("category_id", func() {
		if incoming.CategoryID != 0 && local.CategoryID != incoming.CategoryID {
			patch.CategoryID = &incoming.CategoryID
			patch.CategoryName = &incoming.CategoryName
			changed = true
		}
	})
	take("frame_type", func() {
		if local.FrameType != incoming.FrameType {
			patch.FrameType = &incoming.FrameType
			changed = true
		}
	})
	take("frame_shape", func() {
		if local.FrameShape != incoming.FrameShape {
			patch.FrameShape = &incoming.FrameShape
			changed = true
		}
	})
	take("frame_material", func() {
		if local.FrameMaterial != incoming.FrameMaterial {
			patch.FrameMaterial = &incoming.FrameMaterial
			changed = true
		}
	})
	take("lens_type", func() {
		if local.LensType != incoming.LensType {
			patch.LensType = &incoming.LensType
			changed = true
		}
	})
	take("lens_width_mm", func() {
		if local.LensWidthMM != incoming.LensWidthMM {
			patch.LensWidthMM = &incoming.LensWidthMM
			changed = true
		}
	})
	take("bridge_width_mm", func() {
		if local.BridgeWidthMM != incoming.BridgeWidthMM {
			patch.BridgeWidthMM = &incoming.BridgeWidthMM
			changed = true
		}
	})
	take("temple_length_mm", func() {
		if local.TempleLengthMM != incoming.TempleLengthMM {
			patch.TempleLengthMM = &incoming.TempleLengthMM
			changed = true
		}
	})
	take("price", func() {
		if local.Price != incoming.Price {
			patch.Price = &incoming.Price
			changed = true
		}
	})
	take("compare_at_price", func() {
		if local.CompareAtPrice != incoming.CompareAtPrice {
			patch.CompareAtPrice = &incoming.CompareAtPrice
			changed = true
		}
	})
	take("currency", func() {
		if incoming.Currency != "" && local.Currency != incoming.Currency {
			patch.Currency = &incoming.Currency
			changed = true
		}
	})
	take("active", func() {
		if local.Active != incoming.Active {
			patch.Active = &incoming.Active
			changed = true
		}
	})
	take("quality_score", func() {
		if local.QualityScore != incoming.QualityScore {
			patch.QualityScore = &incoming.QualityScore
			changed = true
		}
	})

	if changed {
		src := catalog.SourceExternal
		patch.Source = &src
		patch.SourcedAt = &eventTime
	}
	return patch, changed
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
