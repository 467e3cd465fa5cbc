package config

import (
	"math"
	"sync"
	"testing"
)

func TestNewLiveDefaultsAndClamp(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"In range", 0.3, 0.3},
		{"Below zero", -2, 0},
		{"Above one", 1.7, 1},
		{"NaN keeps default", math.NaN(), DefaultThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLive(tt.in, false)
			if got := l.Snapshot().Threshold; got != tt.want {
				t.Errorf("Threshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetAndToggle(t *testing.T) {
	l := NewLive(DefaultThreshold, false)

	l.SetThreshold(0.8)
	l.SetShowOverlay(true)
	snap := l.Snapshot()
	if snap.Threshold != 0.8 || !snap.ShowOverlay {
		t.Errorf("Snapshot = %+v, want threshold 0.8 and overlay on", snap)
	}

	if got := l.ToggleOverlay(); got {
		t.Errorf("ToggleOverlay() = %v, want false", got)
	}
	if l.Snapshot().ShowOverlay {
		t.Error("Overlay still visible after toggle")
	}
}

func TestNudgeSnapsToStep(t *testing.T) {
	l := NewLive(0.5, false)

	for i := 0; i < 3; i++ {
		l.Nudge(ThresholdStep)
	}
	if got := l.Snapshot().Threshold; math.Abs(got-0.65) > 1e-9 {
		t.Errorf("After 3 steps up, threshold = %v, want 0.65", got)
	}

	for i := 0; i < 30; i++ {
		l.Nudge(-ThresholdStep)
	}
	if got := l.Snapshot().Threshold; got != 0 {
		t.Errorf("Threshold should clamp at 0, got %v", got)
	}

	l.SetThreshold(0.97)
	if got := l.Nudge(ThresholdStep); got != 1 {
		t.Errorf("Nudge past 1 = %v, want 1", got)
	}
}

func TestConcurrentWritesNeverTear(t *testing.T) {
	l := NewLive(0.25, false)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.SetThreshold(0.25)
				l.SetThreshold(0.75)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.ToggleOverlay()
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		if got := l.Snapshot().Threshold; got != 0.25 && got != 0.75 {
			close(stop)
			wg.Wait()
			t.Fatalf("Observed torn threshold %v", got)
		}
	}
	close(stop)
	wg.Wait()
}
