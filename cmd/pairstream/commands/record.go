package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairstream/pairstream/internal/capture"
	"github.com/pairstream/pairstream/internal/compose"
	"github.com/pairstream/pairstream/internal/events"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
)

var (
	recordDuration time.Duration
	recordLayout   string
	recordMode     string
	recordOutput   string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a dual-camera session to disk",
	Long: `Start the capture pipeline, record until the duration elapses or an
interrupt arrives, and finalize the output files.`,
	Example: `  # Record for 10 seconds with the default layout
  pairstream record --duration 10s

  # Picture-in-picture, combined output only
  pairstream record --layout pip --mode combined

  # Record into a specific directory until Ctrl+C
  pairstream record --output /tmp/recordings`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "recording duration (0 records until interrupted)")
	recordCmd.Flags().StringVarP(&recordLayout, "layout", "l", "", "composition layout (side-by-side, pip, primary-secondary)")
	recordCmd.Flags().StringVarP(&recordMode, "mode", "m", "", "output mode (all, combined, raw)")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "output directory")
}

func runRecord(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if recordLayout != "" {
		cfg.Video.Layout = recordLayout
	}
	if recordOutput != "" {
		cfg.Output.Directory = recordOutput
	}
	if recordMode != "" {
		cfg.Output.Mode = recordMode
	}

	if _, err := compose.ParseLayout(cfg.Video.Layout); err != nil {
		return err
	}
	mode, err := capture.ParseOutputMode(cfg.Output.Mode)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, true)

	bus := events.NewBus()
	orchestrator, err := capture.New(cfg, capture.Deps{
		Front: capture.NewPatternCamera(media.StreamFront, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		Back:  capture.NewPatternCamera(media.StreamBack, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS),
		Audio: capture.NewToneMicrophone(cfg.Audio.SampleRate, cfg.Audio.Channels),
		Bus:   bus,
	})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer orchestrator.Close()

	if err := orchestrator.Configure(); err != nil {
		return err
	}
	if err := orchestrator.StartRecording(mode); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if recordDuration > 0 {
		fmt.Printf("Recording for %s (Ctrl+C to stop early)...\n", recordDuration)
		select {
		case <-time.After(recordDuration):
		case <-sigChan:
		}
	} else {
		fmt.Println("Recording, press Ctrl+C to stop...")
		<-sigChan
	}

	if err := orchestrator.StopRecording(); err != nil {
		return err
	}

	outputs := orchestrator.Outputs()
	printArtifact("combined", outputs.Combined)
	printArtifact("front", outputs.Front)
	printArtifact("back", outputs.Back)
	for _, f := range outputs.Failures {
		fmt.Fprintf(os.Stderr, "  %s: FAILED (%v)\n", f.Role, f.Err)
	}
	if len(outputs.Failures) > 0 {
		return fmt.Errorf("%d output(s) failed", len(outputs.Failures))
	}
	return nil
}

func printArtifact(role string, a *media.OutputArtifact) {
	if a == nil {
		return
	}
	fmt.Printf("  %s: %s (%d bytes)\n", role, a.Path, a.Size)
}
