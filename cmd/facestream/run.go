package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"facestream/internal/core/models"
	"facestream/internal/core/processor"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runSource     string
	runMaxFrames  int
	runNDJSON     bool
	runNoProgress bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the face capture pipeline once",
	Long: `Run samples frames from the source, detects faces and prints every new face as
JSON. When the source is the supervised stream, the capture process is started
first and stopped afterwards.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVarP(&runSource, "source", "s", "", "video file, URL or device index (default: pipeline.source or the stream output)")
	runCmd.Flags().IntVarP(&runMaxFrames, "max-frames", "n", 0, "frames to read (default: pipeline.max_frames)")
	runCmd.Flags().BoolVar(&runNDJSON, "ndjson", false, "print faces one per line as they are accepted")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "disable the progress bar")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source := runSource
	if source == "" {
		source = pipelineSource(cfg)
	}
	maxFrames := runMaxFrames
	if maxFrames <= 0 {
		maxFrames = cfg.Pipeline.MaxFrames
	}

	var progress func(int)
	if !runNoProgress {
		total := maxFrames
		if total <= 0 {
			total = -1
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Sampling frames"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		defer func() {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
		}()
		progress = func(frameIndex int) {
			_ = bar.Set(frameIndex + 1)
		}
	}

	pipeline, closeDetector, err := newPipeline(ctx, cfg, newRepository(), progress)
	defer func() {
		if cerr := closeDetector(); cerr != nil {
			log.Warnf("Failed to release detector: %v", cerr)
		}
	}()
	if err != nil {
		return err
	}

	if cfg.Stream.Enabled && source == cfg.Stream.OutputFile {
		sup := newSupervisor(cfg)
		defer func() {
			if cerr := sup.Cleanup(); cerr != nil {
				log.Warnf("Capture cleanup failed: %v", cerr)
			}
		}()
		if _, err := sup.Init(ctx); err != nil {
			return fmt.Errorf("capture did not become ready: %w", err)
		}
	}

	if runNDJSON {
		return streamRecords(cmd, pipeline, source, maxFrames)
	}

	records, err := pipeline.Run(ctx, source, maxFrames)
	out, merr := json.MarshalIndent(records, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return runError(err)
}

func streamRecords(cmd *cobra.Command, pipeline *processor.Pipeline, source string, maxFrames int) error {
	records, errCh := pipeline.Stream(cmd.Context(), source, maxFrames)
	enc := json.NewEncoder(cmd.OutOrStdout())
	for record := range records {
		if err := enc.Encode(record); err != nil {
			log.Warnf("Failed to write face %d: %v", record.FaceID, err)
		}
	}
	return runError(<-errCh)
}

// runError treats cancellation as a normal end: the faces found so far have
// been printed.
func runError(err error) error {
	if errors.Is(err, models.ErrCancellationRequested) {
		log.Info("Run cancelled")
		return nil
	}
	return err
}
