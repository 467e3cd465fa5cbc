package emotion

import (
	"fmt"
	"slices"

	"github.com/andresmejia3/moodmeter/internal/types"
)

// TotalPolicy decides what FrameStats.Total reports.
type TotalPolicy int

const (
	// TotalAdmitted reports Good+Bad, the number of faces that passed the threshold.
	TotalAdmitted TotalPolicy = iota
	// TotalDetected reports every face the detector returned, including the ones
	// below the threshold. Total can then exceed Good+Bad.
	TotalDetected
)

func (p TotalPolicy) String() string {
	switch p {
	case TotalAdmitted:
		return "admitted"
	case TotalDetected:
		return "detected"
	}
	return fmt.Sprintf("TotalPolicy(%d)", int(p))
}

// ParseTotalPolicy parses the --total-policy flag value.
func ParseTotalPolicy(s string) (TotalPolicy, error) {
	switch s {
	case "admitted", "consistent", "":
		return TotalAdmitted, nil
	case "detected", "faithful":
		return TotalDetected, nil
	}
	return TotalAdmitted, fmt.Errorf("invalid total policy '%s'. Must be 'admitted' or 'detected'", s)
}

var (
	goodCategories = []types.Category{types.Happy, types.Neutral, types.Surprised}
	badCategories  = []types.Category{types.Sad, types.Fearful, types.Angry, types.Disgusted}
)

// IsGood reports whether c belongs to the good-affect bucket.
func IsGood(c types.Category) bool {
	return slices.Contains(goodCategories, c)
}

// IsBad reports whether c belongs to the bad-affect bucket. None is in neither.
func IsBad(c types.Category) bool {
	return slices.Contains(badCategories, c)
}

// Aggregate builds the FrameStats for a sequence of admitted labels.
// detected is the full candidate count for the frame. None labels are not counted.
func Aggregate(labels []types.Category, detected int, policy TotalPolicy) types.FrameStats {
	var stats types.FrameStats
	for _, l := range labels {
		if l.Valid() {
			stats.Counts[l]++
		}
	}
	for _, c := range types.Categories {
		switch {
		case IsGood(c):
			stats.Good += stats.Counts[c]
		case IsBad(c):
			stats.Bad += stats.Counts[c]
		}
	}

	stats.Detected = detected
	switch policy {
	case TotalDetected:
		stats.Total = detected
	default:
		stats.Total = stats.Good + stats.Bad
	}
	return stats
}

// Summarize runs the filter, the classifier and the aggregator over one frame's candidates.
func Summarize(candidates []types.DetectionCandidate, threshold float64, policy TotalPolicy) types.FrameStats {
	return Aggregate(Admit(candidates, threshold), len(candidates), policy)
}

// displayOrder is the slice order the chart widget expects.
var displayOrder = [types.NumCategories]types.Category{
	types.Happy, types.Neutral, types.Surprised, types.Sad, types.Fearful, types.Disgusted, types.Angry,
}

// Chart projects the counts into the fixed display order.
func Chart(stats types.FrameStats) types.ChartView {
	view := make(types.ChartView, 0, len(displayOrder))
	for _, c := range displayOrder {
		view = append(view, types.ChartPoint{Category: c, Label: c.DisplayName(), Count: stats.Counts[c]})
	}
	return view
}
