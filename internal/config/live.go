// Package config holds the runtime-mutable settings shared between the controls and the detection loop.
package config

import (
	"math"
	"sync/atomic"
)

const (
	// DefaultThreshold is the confidence threshold a session starts with.
	DefaultThreshold = 0.5
	// ThresholdStep is the granularity of the threshold control.
	ThresholdStep = 0.05
)

// Snapshot is a consistent copy of Live taken once per loop iteration.
type Snapshot struct {
	Threshold   float64
	ShowOverlay bool
}

// Live is written by the controls at any time and read by the loop through Snapshot.
// Fields are stored atomically so a reader never observes a partially written value.
type Live struct {
	threshold atomic.Uint64 // math.Float64bits
	overlay   atomic.Bool
}

// NewLive returns a Live with the given initial values. threshold is clamped into [0,1].
func NewLive(threshold float64, showOverlay bool) *Live {
	l := &Live{}
	l.threshold.Store(math.Float64bits(DefaultThreshold))
	l.SetThreshold(threshold)
	l.overlay.Store(showOverlay)
	return l
}

// SetThreshold stores threshold clamped into [0,1]. NaN is ignored.
func (l *Live) SetThreshold(threshold float64) {
	if math.IsNaN(threshold) {
		return
	}
	l.threshold.Store(math.Float64bits(clamp(threshold)))
}

// SetShowOverlay sets overlay visibility.
func (l *Live) SetShowOverlay(show bool) {
	l.overlay.Store(show)
}

// ToggleOverlay flips overlay visibility and returns the new value.
func (l *Live) ToggleOverlay() bool {
	for {
		old := l.overlay.Load()
		if l.overlay.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Nudge moves the threshold by delta, snapping the result to the ThresholdStep grid.
// It returns the stored value.
func (l *Live) Nudge(delta float64) float64 {
	for {
		oldBits := l.threshold.Load()
		next := snap(clamp(math.Float64frombits(oldBits) + delta))
		if l.threshold.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return next
		}
	}
}

// Snapshot reads the current values.
func (l *Live) Snapshot() Snapshot {
	return Snapshot{
		Threshold:   math.Float64frombits(l.threshold.Load()),
		ShowOverlay: l.overlay.Load(),
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func snap(v float64) float64 {
	return clamp(math.Round(v/ThresholdStep) * ThresholdStep)
}
