package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/moodmeter/internal/logging"
	"github.com/andresmejia3/moodmeter/internal/utils"
)

// Options holds shared configuration for the watch and classify commands
type Options struct {
	Device        string
	InputFormat   string
	Threshold     float64
	ShowOverlay   bool
	FPS           float64
	DetectTimeout string
	TotalPolicy   string
	Headless      bool
	StatusAddr    string
	WorkerScript  string
	Python        string
	MaxSide       int
	MaxRestarts   int
}

var (
	// Log is the diagnostic logger shared by subcommands
	Log *zap.SugaredLogger

	logLevel string
	logFile  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "moodmeter",
	Short:   "Live facial expression statistics from your camera",
	Version: Version, // This enables the --version flag
	// Execute prints the error once; cobra's copy would duplicate it
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags win over the environment
		if !cmd.Flags().Changed("log-level") {
			if lvl := os.Getenv("MOODMETER_LOG_LEVEL"); lvl != "" {
				logLevel = lvl
			}
		}

		// The TUI owns the terminal, so diagnostics go to a file
		if logFile == "" && cmd == watchCmd && !watchOpts.Headless {
			logFile = "moodmeter.log"
		}

		var err error
		Log, err = logging.New(cmd.Name(), logLevel, logFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Log != nil {
			Log.Sync()
		}
	},
}

// envDefault returns the environment value for key, or fallback when unset.
func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Subcommands print their own error box.
		if !utils.IsReported(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write diagnostic logs to this file (watch defaults to moodmeter.log while the TUI is active)")
}
