// Package camera turns an ffmpeg capture process into a live frame stream.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig for MJPEG frames
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/types"
	"github.com/andresmejia3/moodmeter/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrPermissionDenied means the OS refused access to the camera.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoFrames means the capture ended before a single decodable frame arrived.
	ErrNoFrames = errors.New("camera produced no frames")
)

// permissionMarkers are ffmpeg stderr fragments that indicate an access refusal.
var permissionMarkers = []string{"Permission denied", "Operation not permitted", "not authorized"}

// Source acquires streams from a local capture device through ffmpeg.
type Source struct {
	Input utils.CameraInput
	log   *zap.SugaredLogger
}

func NewSource(in utils.CameraInput, log *zap.SugaredLogger) *Source {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Source{Input: in, log: log}
}

// Acquire starts ffmpeg on the configured device.
// Capture devices have no facing mode, so the constraint is only logged.
func (s *Source) Acquire(ctx context.Context, c loop.Constraints) (loop.Stream, error) {
	if err := probeDevice(s.Input.Device); err != nil {
		return nil, err
	}
	s.log.Debugw("acquiring camera", "device", s.Input.Device, "format", s.Input.Format, "facing", c.FacingMode)

	ffmpeg := utils.NewFFmpegCameraCmd(s.Input)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	closer := func() error {
		// Kill first so Wait doesn't block on a device that never finishes.
		if ffmpeg.Process != nil {
			ffmpeg.Process.Kill()
		}
		out.Close()
		ffmpeg.Wait()
		return nil
	}
	st := NewStreamFromReader(out, closer, s.log)
	st.stderr = ffmpeg.Stderr.String
	return st, nil
}

// probeDevice surfaces permission problems on device nodes before ffmpeg hides them.
func probeDevice(dev string) error {
	if !strings.HasPrefix(dev, "/dev/") {
		return nil
	}
	f, err := os.Open(dev)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, dev)
		}
		return fmt.Errorf("camera device %s: %w", dev, err)
	}
	return f.Close()
}

// Stream holds the most recent frame read from a MJPEG byte stream.
type Stream struct {
	mu     sync.Mutex
	latest types.Frame
	have   bool

	size  types.Dimensions
	ready chan struct{}
	done  chan struct{}
	err   error // valid after done is closed

	closer    func() error
	closeOnce sync.Once
	stderr    func() string
	log       *zap.SugaredLogger
}

// NewStreamFromReader reads concatenated JPEG frames from r until it ends.
// closer is invoked once by Close and must make r return.
func NewStreamFromReader(r io.Reader, closer func() error, log *zap.SugaredLogger) *Stream {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Stream{
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		closer: closer,
		log:    log,
	}
	go s.read(r)
	return s
}

func (s *Stream) read(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		// Scanner reuses its buffer.
		data := append([]byte(nil), scanner.Bytes()...)

		if !s.isReady() {
			cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				s.log.Debugw("skipping undecodable frame", "error", err)
				continue
			}
			s.size = types.Dimensions{Width: cfg.Width, Height: cfg.Height}
			close(s.ready)
		}

		index++
		s.mu.Lock()
		s.latest = types.Frame{Index: index, Data: data, Size: s.size, Captured: time.Now()}
		s.have = true
		s.mu.Unlock()
	}
	s.err = scanner.Err()
	if s.err == nil {
		s.err = io.EOF
	}
}

func (s *Stream) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the first frame has been decoded and returns its size.
func (s *Stream) WaitReady(ctx context.Context) (types.Dimensions, error) {
	select {
	case <-s.ready:
		return s.size, nil
	case <-s.done:
		// The reader may have become ready right before finishing.
		if s.isReady() {
			return s.size, nil
		}
		return types.Dimensions{}, s.startupError()
	case <-ctx.Done():
		return types.Dimensions{}, ctx.Err()
	}
}

func (s *Stream) startupError() error {
	var logs string
	if s.stderr != nil {
		logs = strings.TrimSpace(s.stderr())
	}
	for _, m := range permissionMarkers {
		if strings.Contains(logs, m) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, logs)
		}
	}
	if logs != "" {
		return fmt.Errorf("%w: %s", ErrNoFrames, logs)
	}
	if s.err != nil && !errors.Is(s.err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrNoFrames, s.err)
	}
	return ErrNoFrames
}

// Frame returns the newest frame. It reports false before the first frame and after the stream ended.
func (s *Stream) Frame() (types.Frame, bool) {
	select {
	case <-s.done:
		return types.Frame{}, false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

// Done is closed when the underlying reader has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close stops the capture. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}
