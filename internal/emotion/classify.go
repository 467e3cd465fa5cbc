// Package emotion turns detector candidates into the per-frame affect statistics.
package emotion

import (
	"math"

	"github.com/andresmejia3/moodmeter/internal/types"
)

// Dominant returns the category with the highest score.
// Categories are scanned in enumeration order and the running best is only
// replaced by a strictly greater score, so ties resolve to the earlier category.
// An empty map yields types.None.
func Dominant(expressions map[types.Category]float64) types.Category {
	best := types.None
	var bestScore float64
	for _, c := range types.Categories {
		score, ok := expressions[c]
		if !ok || math.IsNaN(score) {
			continue
		}
		if best == types.None || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// Admit returns the dominant category of every candidate whose score is
// strictly greater than threshold. Rejected candidates contribute nothing.
func Admit(candidates []types.DetectionCandidate, threshold float64) []types.Category {
	labels := make([]types.Category, 0, len(candidates))
	for _, c := range candidates {
		if c.Score > threshold {
			labels = append(labels, Dominant(c.Expressions))
		}
	}
	return labels
}
