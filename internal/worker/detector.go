package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/types"
	"github.com/andresmejia3/moodmeter/internal/utils"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("detector closed")

// ErrTooManyRestarts means the worker kept dying and the detector gave up on it.
var ErrTooManyRestarts = errors.New("inference worker restarted too many times")

// Options configure the subprocess detector.
type Options struct {
	Python      string // interpreter, default python3
	Script      string // default python/worker.py
	MaxSide     int    // downscale frames whose longest side exceeds this; 0 disables
	MaxRestarts int
}

// Detector implements loop.Detector on top of a PythonWorker.
// A worker that crashes or times out is discarded and respawned on the next call.
type Detector struct {
	opts  Options
	spawn func(id int) (*PythonWorker, error)
	log   *zap.SugaredLogger

	mu       sync.Mutex
	w        *PythonWorker
	last     *utils.SafeCommand
	spawned  int
	restarts int
	closed   bool
}

var _ loop.Detector = (*Detector)(nil)

func NewDetector(opts Options, log *zap.SugaredLogger) *Detector {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Script == "" {
		opts.Script = "python/worker.py"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Detector{opts: opts, log: log}
	d.spawn = func(id int) (*PythonWorker, error) {
		return NewPythonWorker(id, d.opts.Python, d.opts.Script)
	}
	return d
}

// LoadModels starts the worker and waits for its handshake.
func (d *Detector) LoadModels(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.ensure(ctx)
	return err
}

// DetectFaces sends the frame to the worker. ctx bounds the round trip.
func (d *Detector) DetectFaces(ctx context.Context, frame types.Frame, opts loop.DetectOptions) ([]types.DetectionCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, err := d.ensure(ctx)
	if err != nil {
		return nil, err
	}

	data, scale, err := downscale(frame.Data, d.opts.MaxSide)
	if err != nil {
		return nil, fmt.Errorf("failed to downscale frame %d: %w", frame.Index, err)
	}

	var faces []types.DetectionCandidate
	err = d.call(ctx, w, func() error {
		var err error
		faces, err = w.Detect(data, opts.MinConfidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	if scale != 1 {
		for i := range faces {
			faces[i].Box = scaleBox(faces[i].Box, scale)
		}
	}
	return faces, nil
}

// ensure returns a live, handshaken worker. Callers hold d.mu.
func (d *Detector) ensure(ctx context.Context) (*PythonWorker, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if d.w != nil {
		return d.w, nil
	}
	if d.spawned > 0 {
		if d.restarts >= d.opts.MaxRestarts {
			return nil, ErrTooManyRestarts
		}
		d.restarts++
		d.log.Warnw("restarting inference worker", "restart", d.restarts, "max", d.opts.MaxRestarts)
	}

	d.spawned++
	w, err := d.spawn(d.spawned)
	if err != nil {
		return nil, err
	}
	d.last = w.Cmd

	if err := d.call(ctx, w, w.Handshake); err != nil {
		w.Close()
		return nil, fmt.Errorf("worker %d handshake: %w", w.ID, err)
	}
	d.w = w
	d.log.Infow("inference worker ready", "worker", w.ID)
	return w, nil
}

// call runs fn against w and gives up when ctx is done.
// A transport failure leaves the framing in an unknown state, so the worker is discarded.
func (d *Detector) call(ctx context.Context, w *PythonWorker, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		// Closing the pipes unblocks fn.
		w.Close()
		<-errCh
		d.discard(w)
		return fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	}

	if err != nil && !isRemoteError(err) {
		w.Close()
		d.discard(w)
	}
	return err
}

func (d *Detector) discard(w *PythonWorker) {
	if d.w == w {
		d.w = nil
	}
}

// isRemoteError reports whether the worker answered with an error status.
// Those leave the framing intact and the worker usable.
func isRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Logs returns the command of the most recently spawned worker, for error reporting.
func (d *Detector) Logs() *utils.SafeCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Close stops the worker. Later calls fail with ErrClosed.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.w != nil {
		d.w.Close()
		d.w = nil
	}
	return nil
}
