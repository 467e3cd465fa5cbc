package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andresmejia3/moodmeter/internal/types"
)

func TestDescribe(t *testing.T) {
	got := Describe(types.FrameStats{Good: 2, Bad: 1, Total: 3, Detected: 4})
	for _, want := range []string{"Good: 2", "Bad: 1", "Above Min Confidence: 3", "Detected: 4"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe() = %q, missing %q", got, want)
		}
	}
}

func TestRendererLifecycle(t *testing.T) {
	var out bytes.Buffer
	r := New(&out)

	if !r.Alive() {
		t.Fatal("New renderer must be alive")
	}

	r.Notify("Could not acquire camera: permission denied")
	if !strings.Contains(out.String(), "permission denied") {
		t.Errorf("Notice not written: %q", out.String())
	}

	r.Stop()
	r.Stop()
	if r.Alive() {
		t.Error("Renderer still alive after Stop")
	}
}

func TestOverlayLabelsFollowVisibility(t *testing.T) {
	r := New(&bytes.Buffer{})
	faces := []types.DetectionCandidate{{
		Box:         types.BBox{X: 3, Y: 4, W: 10, H: 10},
		Score:       0.8,
		Expressions: map[types.Category]float64{types.Angry: 1},
	}}

	r.SetOverlayVisible(true)
	r.DrawOverlay(types.Dimensions{Width: 10, Height: 10}, faces)
	if r.overlay != "Angry 0.80 @3,4" {
		t.Errorf("overlay = %q", r.overlay)
	}

	r.SetOverlayVisible(false)
	if r.overlay != "" {
		t.Error("Hidden overlay must be cleared")
	}
}

func TestEmptyNotifyIsDropped(t *testing.T) {
	var out bytes.Buffer
	r := New(&out)
	out.Reset()

	r.Notify("")
	if strings.Contains(out.String(), "⚠️") {
		t.Errorf("Empty notice printed a warning: %q", out.String())
	}
	r.Notify("Detection keeps failing: boom")
	if !strings.Contains(out.String(), "Detection keeps failing: boom") {
		t.Errorf("Notice missing from output: %q", out.String())
	}
}
