package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// --- Fakes ---

type fakeStream struct {
	size     types.Dimensions
	readyErr error
	closed   bool
	frames   int
	ended    bool
}

func (s *fakeStream) WaitReady(ctx context.Context) (types.Dimensions, error) {
	return s.size, s.readyErr
}

func (s *fakeStream) Frame() (types.Frame, bool) {
	if s.ended {
		return types.Frame{}, false
	}
	s.frames++
	return types.Frame{Index: s.frames, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}, true
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeSource struct {
	stream *fakeStream
	err    error
	calls  int
	seen   Constraints
}

func (f *fakeSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	f.calls++
	f.seen = c
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type detectCall struct {
	frame         int
	minConfidence float64
}

type fakeDetector struct {
	loadErr error
	// results are returned in order; the last one repeats.
	results [][]types.DetectionCandidate
	errs    []error
	calls   []detectCall
	// onDetect runs after the call has been recorded.
	onDetect func(n int)
}

func (d *fakeDetector) LoadModels(ctx context.Context) error { return d.loadErr }

func (d *fakeDetector) DetectFaces(ctx context.Context, frame types.Frame, opts DetectOptions) ([]types.DetectionCandidate, error) {
	n := len(d.calls)
	d.calls = append(d.calls, detectCall{frame: frame.Index, minConfidence: opts.MinConfidence})
	if d.onDetect != nil {
		d.onDetect(n)
	}
	if n < len(d.errs) && d.errs[n] != nil {
		return nil, d.errs[n]
	}
	if len(d.results) == 0 {
		return nil, nil
	}
	if n >= len(d.results) {
		n = len(d.results) - 1
	}
	return d.results[n], nil
}

type fakeRenderer struct {
	mu         sync.Mutex
	aliveFor   int // Alive returns true this many times
	aliveCalls int
	summaries  []types.FrameStats
	charts     []types.ChartView
	overlays   int
	visible    []bool
	notices    []string
}

func (r *fakeRenderer) DrawOverlay(size types.Dimensions, c []types.DetectionCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays++
}

func (r *fakeRenderer) SetOverlayVisible(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visible = append(r.visible, v)
}

func (r *fakeRenderer) RenderChart(view types.ChartView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charts = append(r.charts, view)
}

func (r *fakeRenderer) RenderSummary(stats types.FrameStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, stats)
}

func (r *fakeRenderer) Notify(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

func (r *fakeRenderer) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliveCalls++
	return r.aliveCalls <= r.aliveFor
}

type recordingSink struct {
	stats []types.FrameStats
}

func (s *recordingSink) Record(stats types.FrameStats) { s.stats = append(s.stats, stats) }

func face(score float64, c types.Category) types.DetectionCandidate {
	return types.DetectionCandidate{
		Box:         types.BBox{X: 1, Y: 2, W: 3, H: 4},
		Score:       score,
		Expressions: map[types.Category]float64{c: 0.9, types.Neutral: 0.05},
	}
}

func newTestLoop(src FrameSource, det Detector, r Renderer, live *config.Live, opts ...Option) *Loop {
	opts = append([]Option{WithFPS(0)}, opts...)
	return New(src, det, r, live, opts...)
}

// --- Tests ---

func TestRunStopsWhenSurfaceDisappears(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 640, Height: 480}}
	src := &fakeSource{stream: stream}
	det := &fakeDetector{results: [][]types.DetectionCandidate{{face(0.9, types.Happy)}}}
	// Surface exists after iteration 1, is gone by the end of iteration 2.
	r := &fakeRenderer{aliveFor: 1}

	var states []State
	l := newTestLoop(src, det, r, config.NewLive(0.5, false), WithStateHook(func(s State) { states = append(states, s) }))

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(det.calls) != 2 {
		t.Errorf("Expected exactly 2 iterations, got %d", len(det.calls))
	}
	if l.State() != Stopped {
		t.Errorf("State = %v, want stopped", l.State())
	}
	if !stream.closed {
		t.Error("Stream was not closed on exit")
	}
	want := []State{Initializing, Running, Stopped}
	if len(states) != len(want) {
		t.Fatalf("States = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
	if src.seen.FacingMode != "user" {
		t.Errorf("FacingMode = %q, want user", src.seen.FacingMode)
	}
}

func TestRunRendersEachIterationInOrder(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 320, Height: 240}}
	det := &fakeDetector{results: [][]types.DetectionCandidate{
		{face(0.9, types.Happy)},
		{face(0.9, types.Sad), face(0.9, types.Angry)},
		{},
	}}
	r := &fakeRenderer{aliveFor: 2}
	sink := &recordingSink{}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false), WithSinks(sink))
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(r.summaries) != 3 || len(r.charts) != 3 {
		t.Fatalf("Expected 3 summaries and charts, got %d and %d", len(r.summaries), len(r.charts))
	}
	if r.summaries[0].Good != 1 || r.summaries[0].Bad != 0 {
		t.Errorf("Iteration 1 = %+v, want good=1", r.summaries[0])
	}
	if r.summaries[1].Good != 0 || r.summaries[1].Bad != 2 {
		t.Errorf("Iteration 2 = %+v, want bad=2", r.summaries[1])
	}
	if r.summaries[2] != (types.FrameStats{}) {
		t.Errorf("Empty detection must render all-zero stats, got %+v", r.summaries[2])
	}
	if len(sink.stats) != 3 || sink.stats[1] != r.summaries[1] {
		t.Errorf("Sink did not receive the same stats in order: %+v", sink.stats)
	}
	if l.Iterations() != 3 {
		t.Errorf("Iterations() = %d, want 3", l.Iterations())
	}
}

func TestThresholdSnapshotTakesEffectNextIteration(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 10, Height: 10}}
	live := config.NewLive(0.5, false)
	det := &fakeDetector{results: [][]types.DetectionCandidate{{face(0.7, types.Happy)}}}
	// Raise the threshold while the first detector call is in flight.
	det.onDetect = func(n int) {
		if n == 0 {
			live.SetThreshold(0.8)
		}
	}
	r := &fakeRenderer{aliveFor: 1}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, live)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if det.calls[0].minConfidence != 0.5 || det.calls[1].minConfidence != 0.8 {
		t.Errorf("Detector thresholds = %+v, want 0.5 then 0.8", det.calls)
	}
	if r.summaries[0].Good != 1 {
		t.Errorf("Iteration 1 must use the snapshotted 0.5 threshold, got %+v", r.summaries[0])
	}
	if r.summaries[1].Good != 0 {
		t.Errorf("Iteration 2 must use the new 0.8 threshold, got %+v", r.summaries[1])
	}
}

func TestOverlayOnlyWhenVisible(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 10, Height: 10}}
	live := config.NewLive(0.5, false)
	det := &fakeDetector{results: [][]types.DetectionCandidate{{face(0.9, types.Happy)}}}
	det.onDetect = func(n int) {
		if n == 0 {
			live.SetShowOverlay(true)
		}
	}
	r := &fakeRenderer{aliveFor: 1}

	if err := newTestLoop(&fakeSource{stream: stream}, det, r, live).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if r.overlays != 1 {
		t.Errorf("DrawOverlay called %d times, want 1", r.overlays)
	}
	if len(r.visible) != 2 || r.visible[0] || !r.visible[1] {
		t.Errorf("SetOverlayVisible calls = %v, want [false true]", r.visible)
	}
}

func TestDetectorFailureSkipsRenderAndContinues(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 10, Height: 10}}
	det := &fakeDetector{
		results: [][]types.DetectionCandidate{{face(0.9, types.Happy)}},
		errs:    []error{nil, errors.New("worker hiccup"), nil},
	}
	r := &fakeRenderer{aliveFor: 2}
	obs := &countingObserver{}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false), WithObserver(obs))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(det.calls) != 3 {
		t.Errorf("Expected the loop to keep going after a failure, got %d calls", len(det.calls))
	}
	if len(r.summaries) != 2 {
		t.Errorf("Failed iteration must not render, got %d summaries", len(r.summaries))
	}
	if obs.failed != 1 || obs.done != 2 {
		t.Errorf("Observer saw done=%d failed=%d, want 2 and 1", obs.done, obs.failed)
	}
}

func TestPersistentFailuresNotifyOnceAndBackOff(t *testing.T) {
	boom := errors.New("worker restarted too many times")
	stream := &fakeStream{size: types.Dimensions{Width: 10, Height: 10}}
	det := &fakeDetector{
		results: [][]types.DetectionCandidate{{face(0.9, types.Happy)}},
		errs:    []error{boom, boom, boom, boom, nil, nil},
	}
	r := &fakeRenderer{aliveFor: 5}

	start := time.Now()
	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"Detection keeps failing: " + boom.Error(), ""}
	if len(r.notices) != len(want) || r.notices[0] != want[0] || r.notices[1] != want[1] {
		t.Errorf("Notices = %q, want %q", r.notices, want)
	}
	if len(r.summaries) != 2 {
		t.Errorf("Expected 2 rendered iterations after recovery, got %d", len(r.summaries))
	}
	// Failures 3 and 4 back off for 50ms and 100ms even with pacing disabled.
	if elapsed := time.Since(start); elapsed < 3*failureBackoffBase {
		t.Errorf("Loop did not back off, finished in %v", elapsed)
	}
}

func TestEndedStreamIsReported(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 10, Height: 10}, ended: true}
	det := &fakeDetector{}
	r := &fakeRenderer{aliveFor: 3}
	obs := &countingObserver{}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false), WithObserver(obs))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(det.calls) != 0 {
		t.Errorf("Detector must not run without a frame, got %d calls", len(det.calls))
	}
	if obs.failed != 4 {
		t.Errorf("Observer failed = %d, want 4", obs.failed)
	}
	if len(r.notices) != 1 {
		t.Errorf("Expected a single notice for the lost stream, got %q", r.notices)
	}
}

func TestFailureBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{failureNoticeAfter - 1, 0},
		{failureNoticeAfter, failureBackoffBase},
		{failureNoticeAfter + 1, 2 * failureBackoffBase},
		{failureNoticeAfter + 100, maxFailureBackoff},
	}
	for _, tt := range tests {
		if got := failureBackoff(tt.failures); got != tt.want {
			t.Errorf("failureBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestModelLoadFailureStops(t *testing.T) {
	src := &fakeSource{stream: &fakeStream{}}
	loadErr := errors.New("weights missing")
	r := &fakeRenderer{aliveFor: 100}

	l := newTestLoop(src, &fakeDetector{loadErr: loadErr}, r, config.NewLive(0.5, false))
	err := l.Run(context.Background())

	var ie *InitError
	if !errors.As(err, &ie) || ie.Stage != StageLoadModels {
		t.Fatalf("Run() error = %v, want InitError at %q", err, StageLoadModels)
	}
	if !errors.Is(err, loadErr) {
		t.Errorf("InitError must wrap the load failure, got %v", err)
	}
	if src.calls != 0 {
		t.Error("Camera must not be acquired when models fail to load")
	}
	if l.State() != Stopped {
		t.Errorf("State = %v, want stopped", l.State())
	}
	if len(r.notices) != 1 {
		t.Errorf("Expected one user notification, got %v", r.notices)
	}
}

func TestPermissionDeniedStops(t *testing.T) {
	denied := errors.New("permission denied")
	det := &fakeDetector{}
	r := &fakeRenderer{aliveFor: 100}

	l := newTestLoop(&fakeSource{err: denied}, det, r, config.NewLive(0.5, false))
	err := l.Run(context.Background())

	if !errors.Is(err, denied) {
		t.Fatalf("Run() error = %v, want %v", err, denied)
	}
	if len(det.calls) != 0 {
		t.Error("No iteration may run without a camera")
	}
	if l.State() != Stopped || len(r.notices) != 1 {
		t.Errorf("State = %v notices = %v", l.State(), r.notices)
	}
}

func TestMetadataFailureClosesStream(t *testing.T) {
	stream := &fakeStream{readyErr: errors.New("no metadata")}
	l := newTestLoop(&fakeSource{stream: stream}, &fakeDetector{}, &fakeRenderer{}, config.NewLive(0.5, false))

	var ie *InitError
	if err := l.Run(context.Background()); !errors.As(err, &ie) || ie.Stage != StageMetadata {
		t.Fatalf("Run() error = %v, want InitError at %q", err, StageMetadata)
	}
	if !stream.closed {
		t.Error("Stream must be closed when metadata never arrives")
	}
}

func TestRunTwiceFails(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 1, Height: 1}}
	l := newTestLoop(&fakeSource{stream: stream}, &fakeDetector{}, &fakeRenderer{}, config.NewLive(0.5, false))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); err == nil {
		t.Error("Expected an error when running a stopped loop")
	}
}

func TestContextCancelStops(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 1, Height: 1}}
	ctx, cancel := context.WithCancel(context.Background())
	det := &fakeDetector{onDetect: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	l := New(&fakeSource{stream: stream}, det, &fakeRenderer{aliveFor: 1000}, config.NewLive(0.5, false), WithFPS(1000))
	err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(det.calls) != 3 {
		t.Errorf("Expected 3 calls before cancellation, got %d", len(det.calls))
	}
}

func TestDetectTimeoutIsApplied(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 1, Height: 1}}
	r := &fakeRenderer{aliveFor: 0}
	det := &blockingDetector{}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false), WithDetectTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop hung on a detector that never returns")
	}
	if len(r.summaries) != 0 {
		t.Error("Timed-out iteration must not render")
	}
}

func TestTotalPolicyOption(t *testing.T) {
	stream := &fakeStream{size: types.Dimensions{Width: 1, Height: 1}}
	det := &fakeDetector{results: [][]types.DetectionCandidate{{face(0.3, types.Happy)}}}
	r := &fakeRenderer{aliveFor: 0}

	l := newTestLoop(&fakeSource{stream: stream}, det, r, config.NewLive(0.5, false), WithTotalPolicy(emotion.TotalDetected))
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.summaries[0]; got.Total != 1 || got.Good+got.Bad != 0 {
		t.Errorf("Faithful policy stats = %+v, want total=1 good+bad=0", got)
	}
}

type countingObserver struct {
	done, failed int
}

func (o *countingObserver) IterationDone(time.Duration, types.FrameStats) { o.done++ }
func (o *countingObserver) DetectFailed(error)                            { o.failed++ }

type blockingDetector struct{}

func (blockingDetector) LoadModels(ctx context.Context) error { return nil }

func (blockingDetector) DetectFaces(ctx context.Context, f types.Frame, o DetectOptions) ([]types.DetectionCandidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
