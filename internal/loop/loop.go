// Package loop runs the detect, filter, classify, aggregate and render cycle.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	Idle State = iota
	Initializing
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Constraints describe the stream the loop asks the FrameSource for.
type Constraints struct {
	FacingMode string
}

// FrameSource hands out the live camera stream.
type FrameSource interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an acquired camera stream. Frame never blocks once WaitReady has returned.
type Stream interface {
	WaitReady(ctx context.Context) (types.Dimensions, error)
	Frame() (types.Frame, bool)
	Close() error
}

// DetectOptions are forwarded to the detector on every call.
type DetectOptions struct {
	MinConfidence float64
}

// Detector finds faces and scores their expressions.
// DetectFaces returns an empty slice, not an error, when there are no faces.
type Detector interface {
	LoadModels(ctx context.Context) error
	DetectFaces(ctx context.Context, frame types.Frame, opts DetectOptions) ([]types.DetectionCandidate, error)
}

// Renderer displays the per-frame results. Alive reports whether its output surface still exists.
type Renderer interface {
	DrawOverlay(size types.Dimensions, candidates []types.DetectionCandidate)
	SetOverlayVisible(visible bool)
	RenderChart(view types.ChartView)
	RenderSummary(stats types.FrameStats)
	Notify(msg string)
	Alive() bool
}

// Sink receives every rendered FrameStats, in iteration order.
type Sink interface {
	Record(stats types.FrameStats)
}

// InitError reports why the loop never reached Running.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Stage names used in InitError.
const (
	StageLoadModels = "load models"
	StageAcquire    = "acquire camera"
	StageMetadata   = "wait for stream metadata"
)

// ErrNoFrame is reported when a ready stream has no frame to hand out.
var ErrNoFrame = errors.New("stream has no frame")

// After this many consecutive failed iterations the user is told and the loop backs off.
const (
	failureNoticeAfter = 3
	failureBackoffBase = 50 * time.Millisecond
	maxFailureBackoff  = time.Second
)

// Option configures a Loop.
type Option func(*Loop)

// WithFPS sets the refresh rate the loop paces itself to. Zero or negative disables pacing.
func WithFPS(fps float64) Option {
	return func(l *Loop) {
		if fps <= 0 {
			l.pacer = rate.NewLimiter(rate.Inf, 1)
			return
		}
		l.pacer = rate.NewLimiter(rate.Limit(fps), 1)
	}
}

// WithDetectTimeout bounds every detector call. Zero means no bound.
func WithDetectTimeout(d time.Duration) Option {
	return func(l *Loop) { l.detectTimeout = d }
}

// WithTotalPolicy selects how FrameStats.Total is computed.
func WithTotalPolicy(p emotion.TotalPolicy) Option {
	return func(l *Loop) { l.policy = p }
}

// WithSinks attaches stats sinks (metrics, status server).
func WithSinks(sinks ...Sink) Option {
	return func(l *Loop) { l.sinks = append(l.sinks, sinks...) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Loop) { l.log = logger }
}

// WithStateHook registers a callback invoked on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(l *Loop) { l.onState = fn }
}

// WithObserver registers per-iteration counters.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// Observer is notified about iteration outcomes. metrics.Metrics implements it.
type Observer interface {
	IterationDone(latency time.Duration, stats types.FrameStats)
	DetectFailed(err error)
}

// Loop is the cooperative scheduler. At most one iteration is in flight.
type Loop struct {
	source   FrameSource
	detector Detector
	renderer Renderer
	live     *config.Live

	pacer         *rate.Limiter
	detectTimeout time.Duration
	policy        emotion.TotalPolicy
	sinks         []Sink
	observer      Observer
	log           *zap.SugaredLogger
	onState       func(State)

	state      atomic.Int32
	iterations atomic.Uint64
}

// New returns an Idle loop.
func New(source FrameSource, detector Detector, renderer Renderer, live *config.Live, opts ...Option) *Loop {
	l := &Loop{
		source:   source,
		detector: detector,
		renderer: renderer,
		live:     live,
		pacer:    rate.NewLimiter(rate.Limit(30), 1),
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Iterations returns the number of completed iterations.
func (l *Loop) Iterations() uint64 {
	return l.iterations.Load()
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.log.Debugw("loop state", "state", s)
	if l.onState != nil {
		l.onState(s)
	}
}

// Run initializes the detector and the camera, then iterates until the renderer's
// surface disappears or ctx is cancelled. It returns nil when the surface went away,
// an *InitError when initialization failed, and ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Initializing)) {
		return fmt.Errorf("loop already started (state %s)", l.State())
	}
	if l.onState != nil {
		l.onState(Initializing)
	}

	stream, size, err := l.initialize(ctx)
	if err != nil {
		l.setState(Stopped)
		l.renderer.Notify(initMessage(err))
		return err
	}
	defer stream.Close()

	l.setState(Running)
	l.log.Infow("detection loop running", "width", size.Width, "height", size.Height)

	failures := 0
	for {
		failures = l.trackFailures(failures, l.iterate(ctx, stream, size))

		if !l.renderer.Alive() {
			l.log.Info("render surface gone, stopping loop")
			l.setState(Stopped)
			return nil
		}
		if err := sleepCtx(ctx, failureBackoff(failures)); err != nil {
			l.setState(Stopped)
			return err
		}
		if err := l.pacer.Wait(ctx); err != nil {
			l.setState(Stopped)
			return ctx.Err()
		}
	}
}

// trackFailures returns the new count of consecutive failures. The user is notified
// once when failures become persistent and the notice is cleared on recovery.
func (l *Loop) trackFailures(failures int, err error) int {
	if err == nil {
		if failures >= failureNoticeAfter {
			l.log.Infow("detection recovered", "failures", failures)
			l.renderer.Notify("")
		}
		return 0
	}
	failures++
	if failures == failureNoticeAfter {
		l.log.Errorw("detection keeps failing", "error", err)
		l.renderer.Notify(fmt.Sprintf("Detection keeps failing: %v", err))
	}
	return failures
}

// failureBackoff doubles from failureBackoffBase once failures are persistent.
func failureBackoff(failures int) time.Duration {
	if failures < failureNoticeAfter {
		return 0
	}
	d := failureBackoffBase << min(failures-failureNoticeAfter, 5)
	return min(d, maxFailureBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Loop) initialize(ctx context.Context) (Stream, types.Dimensions, error) {
	if err := l.detector.LoadModels(ctx); err != nil {
		return nil, types.Dimensions{}, &InitError{Stage: StageLoadModels, Err: err}
	}

	stream, err := l.source.Acquire(ctx, Constraints{FacingMode: "user"})
	if err != nil {
		return nil, types.Dimensions{}, &InitError{Stage: StageAcquire, Err: err}
	}

	size, err := stream.WaitReady(ctx)
	if err != nil {
		stream.Close()
		return nil, types.Dimensions{}, &InitError{Stage: StageMetadata, Err: err}
	}
	return stream, size, nil
}

// iterate runs one pass. Detector failures skip the render update and are returned.
func (l *Loop) iterate(ctx context.Context, stream Stream, size types.Dimensions) error {
	start := time.Now()
	snap := l.live.Snapshot()

	frame, ok := stream.Frame()
	if !ok {
		l.detectFailed(ErrNoFrame)
		return ErrNoFrame
	}
	if frame.Size.Width == 0 {
		frame.Size = size
	}

	candidates, err := l.detect(ctx, frame, snap.Threshold)
	if err != nil {
		l.detectFailed(err)
		return err
	}

	stats := emotion.Summarize(candidates, snap.Threshold, l.policy)

	l.renderer.SetOverlayVisible(snap.ShowOverlay)
	if snap.ShowOverlay {
		l.renderer.DrawOverlay(frame.Size, candidates)
	}
	l.renderer.RenderChart(emotion.Chart(stats))
	l.renderer.RenderSummary(stats)
	for _, s := range l.sinks {
		s.Record(stats)
	}

	l.iterations.Add(1)
	if l.observer != nil {
		l.observer.IterationDone(time.Since(start), stats)
	}
	return nil
}

func (l *Loop) detect(ctx context.Context, frame types.Frame, threshold float64) ([]types.DetectionCandidate, error) {
	if l.detectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.detectTimeout)
		defer cancel()
	}
	return l.detector.DetectFaces(ctx, frame, DetectOptions{MinConfidence: threshold})
}

func (l *Loop) detectFailed(err error) {
	l.log.Warnw("detection skipped", "error", err)
	if l.observer != nil {
		l.observer.DetectFailed(err)
	}
}

func initMessage(err error) string {
	var ie *InitError
	if errors.As(err, &ie) {
		return fmt.Sprintf("Could not %s: %v", ie.Stage, ie.Err)
	}
	return err.Error()
}
