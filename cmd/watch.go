package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/moodmeter/internal/camera"
	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/console"
	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/metrics"
	"github.com/andresmejia3/moodmeter/internal/status"
	"github.com/andresmejia3/moodmeter/internal/ui"
	"github.com/andresmejia3/moodmeter/internal/utils"
	"github.com/andresmejia3/moodmeter/internal/worker"
)

var watchOpts Options

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the live expression loop on the camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWatch(cmd.Context(), watchOpts)
	},
}

func init() {
	addWorkerFlags(watchCmd, &watchOpts)
	watchCmd.Flags().StringVarP(&watchOpts.Device, "device", "d", envDefault("MOODMETER_DEVICE", defaultDevice()), "Capture device passed to ffmpeg")
	watchCmd.Flags().StringVar(&watchOpts.InputFormat, "input-format", "", "ffmpeg capture format (default: v4l2, avfoundation or dshow for this OS)")
	watchCmd.Flags().BoolVar(&watchOpts.ShowOverlay, "overlay", false, "Start with the face box overlay visible")
	watchCmd.Flags().Float64Var(&watchOpts.FPS, "fps", 30, "Loop refresh rate; 0 runs as fast as the detector allows")
	watchCmd.Flags().StringVar(&watchOpts.DetectTimeout, "detect-timeout", "10s", "Maximum time to wait for the worker on a single frame")
	watchCmd.Flags().BoolVar(&watchOpts.Headless, "headless", false, "Print a status line instead of the terminal UI")
	watchCmd.Flags().StringVar(&watchOpts.StatusAddr, "status-addr", "", "Serve stats, config and Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	rootCmd.AddCommand(watchCmd)
}

// addWorkerFlags registers the flags shared by every command that runs the inference worker.
func addWorkerFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.Threshold, "threshold", "t", config.DefaultThreshold, "Minimum detection confidence for a face to be counted")
	cmd.Flags().StringVar(&opts.TotalPolicy, "total-policy", "admitted", "What the total counts: 'admitted' (faces above the threshold) or 'detected' (every face)")
	cmd.Flags().StringVar(&opts.WorkerScript, "worker", envDefault("MOODMETER_WORKER", "python/worker.py"), "Path to the inference worker script")
	cmd.Flags().StringVar(&opts.Python, "python", "python3", "Python interpreter for the worker")
	cmd.Flags().IntVar(&opts.MaxSide, "max-side", 640, "Downscale frames whose longest side exceeds this before inference; 0 disables")
	cmd.Flags().IntVar(&opts.MaxRestarts, "max-restarts", 3, "How many times a crashed worker is restarted")
}

func defaultDevice() string {
	switch utils.DefaultCameraFormat() {
	case "avfoundation":
		return "0"
	case "dshow":
		return "video=Integrated Camera"
	}
	return "/dev/video0"
}

// watchSettings are the parsed forms of the string flags.
type watchSettings struct {
	policy        emotion.TotalPolicy
	detectTimeout time.Duration
}

func runWatch(ctx context.Context, opts Options) error {
	settings, err := validateWatchFlags(&opts)
	if err != nil {
		return utils.ShowError("Invalid flags", err, nil)
	}

	live := config.NewLive(opts.Threshold, opts.ShowOverlay)
	m := metrics.New(live)

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det := worker.NewDetector(worker.Options{
		Python:      opts.Python,
		Script:      opts.WorkerScript,
		MaxSide:     opts.MaxSide,
		MaxRestarts: opts.MaxRestarts,
	}, Log.Named("worker"))
	defer det.Close()

	src := camera.NewSource(utils.CameraInput{
		Format: opts.InputFormat,
		Device: opts.Device,
		FPS:    opts.FPS,
	}, Log.Named("camera"))

	var (
		renderer loop.Renderer
		runUI    func() error
		stopUI   func()
		onState  func(loop.State)
	)
	if opts.Headless {
		cr := console.New(os.Stderr)
		renderer, stopUI = cr, cr.Stop
		onState = func(s loop.State) { Log.Infow("loop state", "state", s) }
	} else {
		tr := ui.NewRenderer(live, tea.WithAltScreen())
		renderer, runUI, stopUI, onState = tr, tr.Run, tr.Quit, tr.StateChanged
	}

	var l *loop.Loop
	sinks := []loop.Sink{m}
	var srv *status.Server
	if opts.StatusAddr != "" {
		srv = status.New(live, settings.policy, m.Handler(), func() string { return l.State().String() }, Log.Named("status"))
		sinks = append(sinks, srv)
	}

	l = loop.New(src, det, renderer, live,
		loop.WithFPS(opts.FPS),
		loop.WithDetectTimeout(settings.detectTimeout),
		loop.WithTotalPolicy(settings.policy),
		loop.WithSinks(sinks...),
		loop.WithObserver(m),
		loop.WithLogger(Log.Named("loop")),
		loop.WithStateHook(onState),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		err := l.Run(runCtx)
		cancel()
		stopUI()
		if errors.Is(err, context.Canceled) {
			// Ctrl+C, or the UI closed before the camera came up.
			return nil
		}
		return err
	})
	if runUI != nil {
		g.Go(func() error {
			err := runUI()
			// Unblocks the loop if it is still initializing.
			cancel()
			if err != nil {
				return fmt.Errorf("terminal UI failed: %w", err)
			}
			return nil
		})
	}
	if srv != nil {
		g.Go(func() error {
			if err := srv.Run(runCtx, opts.StatusAddr); err != nil {
				cancel()
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reportWatchError(err, det)
	}

	fmt.Fprintf(os.Stderr, "✅ Stopped after %d frames.\n", l.Iterations())
	return nil
}

func reportWatchError(err error, det *worker.Detector) error {
	var ie *loop.InitError
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return utils.ShowError("Camera access was denied. Check the device permissions (e.g. add yourself to the 'video' group).", err, nil)
	case errors.As(err, &ie) && ie.Stage == loop.StageLoadModels:
		return utils.ShowError("Failed to load the expression models", err, det.Logs())
	case errors.As(err, &ie):
		return utils.ShowError("Failed to "+ie.Stage, err, nil)
	default:
		return utils.ShowError("Watch failed", err, det.Logs())
	}
}

// validateWatchFlags ensures all CLI arguments are valid before starting heavy processes.
func validateWatchFlags(opts *Options) (watchSettings, error) {
	var s watchSettings

	policy, err := validateWorkerFlags(opts)
	if err != nil {
		return s, err
	}
	s.policy = policy

	if opts.Device == "" {
		return s, fmt.Errorf("capture device must not be empty")
	}
	if opts.FPS < 0 {
		return s, fmt.Errorf("invalid fps: must be >= 0, got %g", opts.FPS)
	}
	d, err := time.ParseDuration(opts.DetectTimeout)
	if err != nil {
		return s, fmt.Errorf("invalid detect-timeout format (use '10s', '500ms'): %w", err)
	}
	if d < 0 {
		return s, fmt.Errorf("invalid detect-timeout: must be >= 0, got %s", d)
	}
	s.detectTimeout = d
	return s, nil
}

// validateWorkerFlags checks the flags shared with classify.
func validateWorkerFlags(opts *Options) (emotion.TotalPolicy, error) {
	if opts.Threshold < 0 || opts.Threshold > 1.0 {
		return 0, fmt.Errorf("invalid threshold: must be between 0.0 and 1.0, got %f", opts.Threshold)
	}
	policy, err := emotion.ParseTotalPolicy(opts.TotalPolicy)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(opts.WorkerScript)
	if err != nil {
		return 0, fmt.Errorf("worker script %s: %w", opts.WorkerScript, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("worker script %s is a directory", opts.WorkerScript)
	}
	if opts.MaxSide < 0 {
		return 0, fmt.Errorf("invalid max-side: must be >= 0, got %d", opts.MaxSide)
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	return policy, nil
}
