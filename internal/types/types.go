package types

import (
	"strings"
	"time"
)

// Category is one of the seven fixed expression categories.
// The numeric order is load-bearing: ties are broken in favour of the lower value.
type Category int

const (
	Neutral Category = iota
	Happy
	Sad
	Fearful
	Angry
	Disgusted
	Surprised
)

// None marks a candidate whose dominant category could not be determined.
const None Category = -1

// NumCategories is the size of the fixed category set.
const NumCategories = 7

// Categories lists every category in enumeration order.
var Categories = [NumCategories]Category{Neutral, Happy, Sad, Fearful, Angry, Disgusted, Surprised}

var categoryKeys = [NumCategories]string{"neutral", "happy", "sad", "fearful", "angry", "disgusted", "surprised"}

var displayNames = [NumCategories]string{"Neutral", "Happy", "Sad", "Fearful", "Angry", "Disgusted", "Surprised"}

// Valid reports whether c is one of the seven categories.
func (c Category) Valid() bool {
	return c >= 0 && int(c) < NumCategories
}

// String returns the lowercase key ("happy"), or "none".
func (c Category) String() string {
	if !c.Valid() {
		return "none"
	}
	return categoryKeys[c]
}

// DisplayName returns the chart label ("Happy"), or "None".
func (c Category) DisplayName() string {
	if !c.Valid() {
		return "None"
	}
	return displayNames[c]
}

// ParseCategory maps a category key to its Category.
// Short forms emitted by common expression models (fear, disgust, surprise) are accepted.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "neutral":
		return Neutral, true
	case "happy":
		return Happy, true
	case "sad":
		return Sad, true
	case "fearful", "fear":
		return Fearful, true
	case "angry":
		return Angry, true
	case "disgusted", "disgust":
		return Disgusted, true
	case "surprised", "surprise":
		return Surprised, true
	}
	return None, false
}

// BBox is a face box in frame pixel coordinates.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// DetectionCandidate is one face reported by the detector for a single frame.
type DetectionCandidate struct {
	Box         BBox                 `json:"box"`
	Score       float64              `json:"score"`
	Expressions map[Category]float64 `json:"-"`
}

// Dimensions is the pixel size of a frame.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Frame is a single JPEG frame taken from the live stream.
type Frame struct {
	Index    int
	Data     []byte
	Size     Dimensions
	Captured time.Time
}

// FrameStats is the per-frame statistical view. It is rebuilt every iteration.
type FrameStats struct {
	Counts   [NumCategories]int `json:"counts"`
	Good     int                `json:"good"`
	Bad      int                `json:"bad"`
	Total    int                `json:"total"`
	Detected int                `json:"detected"`
}

// Count returns the count for c, or 0 for None.
func (s FrameStats) Count(c Category) int {
	if !c.Valid() {
		return 0
	}
	return s.Counts[c]
}

// CountsByName returns the counts keyed by category key, always with all seven keys.
func (s FrameStats) CountsByName() map[string]int {
	out := make(map[string]int, NumCategories)
	for _, c := range Categories {
		out[c.String()] = s.Counts[c]
	}
	return out
}

// ChartPoint is one slice of the chart.
type ChartPoint struct {
	Category Category `json:"-"`
	Label    string   `json:"label"`
	Count    int      `json:"count"`
}

// ChartView is the ordered presentation projection of FrameStats.Counts.
type ChartView []ChartPoint
