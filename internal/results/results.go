// Package results turns a completed run's final offer into score rows:
// one DimensionResult per product dimension, one ProductResult per
// product, and the run's aggregate deal value.
package results

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/ch-au/negosim/internal/domain"
)

// Materialize computes the score rows for a run from its final offer and
// the negotiation's dimension definitions. Dimensions the offer does not
// price score zero and count as not achieved. The returned deal value is
// the sum over all products of their weighted dimension scores.
func Materialize(run *domain.Run, neg *domain.Negotiation) ([]domain.DimensionResult, []domain.ProductResult, float64) {
	var dims []domain.DimensionResult
	var prods []domain.ProductResult
	total := 0.0

	for _, product := range neg.Products {
		pr := domain.ProductResult{
			RunID:          run.ID,
			ProductID:      product.ID,
			Name:           product.Name,
			DimensionCount: len(product.Dimensions),
		}
		for _, dim := range product.Dimensions {
			value, ok := offerValue(run.FinalOffer, product.ID, dim.ID)
			dr := score(run.ID, product.ID, dim, value, ok)
			if dr.Achieved {
				pr.AchievedCount++
			}
			pr.DealValue += dr.WeightedScore
			dims = append(dims, dr)
		}
		total += pr.DealValue
		prods = append(prods, pr)
	}
	return dims, prods, total
}

// score rates one dimension of the final offer. The normalized score is
// the achieved value's position inside [min, max], clamped to [0, 1] and
// inverted for lower-is-better dimensions, then scaled by the weight.
func score(runID, productID string, dim domain.Dimension, value float64, present bool) domain.DimensionResult {
	dr := domain.DimensionResult{
		RunID:       runID,
		ProductID:   productID,
		DimensionID: dim.ID,
		Name:        dim.Name,
		Target:      dim.Target,
	}
	if !present {
		return dr
	}

	dr.AchievedValue = value
	if dim.HigherIsBetter() {
		dr.Achieved = value >= dim.Target
	} else {
		dr.Achieved = value <= dim.Target
	}

	dr.DistanceAbs = math.Abs(value - dim.Target)
	if dim.Target != 0 {
		dr.DistancePct = dr.DistanceAbs / math.Abs(dim.Target) * 100
	}

	normalized := 0.0
	if span := dim.Max - dim.Min; span > 0 {
		normalized = clamp01((value - dim.Min) / span)
		if !dim.HigherIsBetter() {
			normalized = 1 - normalized
		}
	} else if dr.Achieved {
		// Degenerate range: all-or-nothing against the target.
		normalized = 1
	}
	dr.WeightedScore = dim.Weight * normalized * 100
	return dr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// offerValue resolves a dimension's value from the final offer. Offers may
// nest values per product ({productId: {dimensionId: value}}) or list
// them flat ({dimensionId: value}).
func offerValue(offer map[string]any, productID, dimensionID string) (float64, bool) {
	if offer == nil {
		return 0, false
	}
	if nested, ok := offer[productID].(map[string]any); ok {
		if v, ok := toFloat(nested[dimensionID]); ok {
			return v, true
		}
	}
	return toFloat(offer[dimensionID])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
