// Package console renders the live statistics as a single status line on stderr,
// for terminals where the full TUI is not wanted.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// Renderer is a headless loop.Renderer built on a progressbar spinner.
type Renderer struct {
	w   io.Writer
	bar *progressbar.ProgressBar

	mu      sync.Mutex
	overlay string
	visible bool
	stopped atomic.Bool
}

var _ loop.Renderer = (*Renderer)(nil)

func New(w io.Writer) *Renderer {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🎥 Waiting for camera"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)
	return &Renderer{w: w, bar: bar}
}

func (r *Renderer) DrawOverlay(size types.Dimensions, candidates []types.DetectionCandidate) {
	labels := make([]string, 0, len(candidates))
	for _, c := range candidates {
		labels = append(labels, fmt.Sprintf("%s %.2f @%d,%d", emotion.Dominant(c.Expressions).DisplayName(), c.Score, c.Box.X, c.Box.Y))
	}
	r.mu.Lock()
	r.overlay = strings.Join(labels, ", ")
	r.mu.Unlock()
}

func (r *Renderer) SetOverlayVisible(visible bool) {
	r.mu.Lock()
	r.visible = visible
	if !visible {
		r.overlay = ""
	}
	r.mu.Unlock()
}

// RenderChart is a no-op: the status line already carries the per-bucket counts.
func (r *Renderer) RenderChart(types.ChartView) {}

func (r *Renderer) RenderSummary(stats types.FrameStats) {
	r.mu.Lock()
	desc := Describe(stats)
	if r.visible && r.overlay != "" {
		desc += " [" + r.overlay + "]"
	}
	r.mu.Unlock()

	r.bar.Describe(desc)
	r.bar.Add(1)
}

// Describe formats the status line for stats.
func Describe(stats types.FrameStats) string {
	return fmt.Sprintf("😀 Good: %d  😞 Bad: %d  Above Min Confidence: %d  Detected: %d",
		stats.Good, stats.Bad, stats.Total, stats.Detected)
}

// Notify prints msg above the status line. Empty messages are dropped.
func (r *Renderer) Notify(msg string) {
	if msg == "" {
		return
	}
	r.bar.Clear()
	fmt.Fprintf(r.w, "⚠️  %s\n", msg)
}

// Stop makes Alive report false so the loop ends after the current iteration.
func (r *Renderer) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.bar.Finish()
		fmt.Fprintln(r.w)
	}
}

func (r *Renderer) Alive() bool {
	return !r.stopped.Load()
}
