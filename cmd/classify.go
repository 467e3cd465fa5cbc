package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/types"
	"github.com/andresmejia3/moodmeter/internal/utils"
	"github.com/andresmejia3/moodmeter/internal/worker"
)

var classifyOpts Options

var classifyCmd = &cobra.Command{
	Use:   "classify <image_path>",
	Short: "Run the expression pipeline once on a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runClassify(cmd.Context(), args[0], classifyOpts)
	},
}

func init() {
	addWorkerFlags(classifyCmd, &classifyOpts)
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(ctx context.Context, imagePath string, opts Options) error {
	policy, err := validateWorkerFlags(&opts)
	if err != nil {
		return utils.ShowError("Invalid flags", err, nil)
	}

	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		return utils.ShowError("Input file does not exist", err, nil)
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return utils.ShowError("Failed to read image file", err, nil)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imgData))
	if err != nil {
		return utils.ShowError("Input is not a decodable image", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det := worker.NewDetector(worker.Options{
		Python:      opts.Python,
		Script:      opts.WorkerScript,
		MaxSide:     opts.MaxSide,
		MaxRestarts: opts.MaxRestarts,
	}, Log.Named("worker"))
	defer det.Close()

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := det.LoadModels(loadCtx); err != nil {
		return utils.ShowError("Failed to load the expression models", err, det.Logs())
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	frame := types.Frame{
		Index:    1,
		Data:     imgData,
		Size:     types.Dimensions{Width: cfg.Width, Height: cfg.Height},
		Captured: time.Now(),
	}
	faces, err := det.DetectFaces(ctx, frame, loop.DetectOptions{MinConfidence: opts.Threshold})
	if err != nil {
		return utils.ShowError("AI processing failed", err, det.Logs())
	}

	stats := emotion.Summarize(faces, opts.Threshold, policy)
	printClassification(os.Stdout, faces, stats, opts.Threshold)
	return nil
}

func printClassification(out io.Writer, faces []types.DetectionCandidate, stats types.FrameStats, threshold float64) {
	if len(faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected in the provided image.")
	}

	wOut := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	if len(faces) > 0 {
		fmt.Fprintln(wOut, "FACE\tBOX\tSCORE\tEXPRESSION\tCOUNTED")
		fmt.Fprintln(wOut, "----\t---\t-----\t----------\t-------")
		for i, f := range faces {
			counted := "no"
			if f.Score > threshold {
				counted = "yes"
			}
			fmt.Fprintf(wOut, "%d\t%d,%d %dx%d\t%.2f\t%s\t%s\n",
				i+1, f.Box.X, f.Box.Y, f.Box.W, f.Box.H, f.Score,
				emotion.Dominant(f.Expressions).DisplayName(), counted)
		}
		fmt.Fprintln(wOut)
	}

	fmt.Fprintln(wOut, "EXPRESSION\tFACES")
	fmt.Fprintln(wOut, "----------\t-----")
	for _, p := range emotion.Chart(stats) {
		fmt.Fprintf(wOut, "%s\t%d\n", p.Label, p.Count)
	}
	wOut.Flush()

	fmt.Fprintf(out, "\nGood Faces: %d\n", stats.Good)
	fmt.Fprintf(out, "Bad Faces: %d\n", stats.Bad)
	fmt.Fprintf(out, "Faces Above Min Confidence: %d\n", stats.Total)
	fmt.Fprintf(out, "Faces Detected: %d\n", stats.Detected)
}
