// Package ui provides the Bubble Tea TUI that renders the live expression statistics.
package ui

import "github.com/andresmejia3/moodmeter/internal/types"

// StatsUpdated carries one frame's statistics.
type StatsUpdated struct {
	Stats types.FrameStats
}

// ChartUpdated carries the presentation view of the latest statistics.
type ChartUpdated struct {
	Chart types.ChartView
}

// OverlayUpdated carries the boxes of the latest frame.
type OverlayUpdated struct {
	Size       types.Dimensions
	Candidates []types.DetectionCandidate
}

// OverlayVisibility shows or hides the overlay pane.
type OverlayVisibility struct {
	Visible bool
}

// Notice is a user-facing message, such as a camera permission failure.
type Notice struct {
	Text string
}

// LoopState reports the detection loop's lifecycle state.
type LoopState struct {
	State string
}
