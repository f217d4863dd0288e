package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neurolibrelab/neurocapture/internal/persist"
	"github.com/neurolibrelab/neurocapture/internal/record"
	"github.com/neurolibrelab/neurocapture/internal/stream"

	"github.com/spf13/cobra"
)

var (
	recordDuration      float64
	recordOutputDir     string
	recordStreamTimeout float64
)

var recordCmd = &cobra.Command{
	Use:   "start-recording",
	Short: "Record the configured streams to timestamped tables",
	Long: `Discover the configured streams, record them concurrently, and
persist one timestamp-ordered table per stream plus session metadata.

Recording stops when the configured duration elapses or on Ctrl+C,
whichever comes first. Captured data is flushed in both cases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outputDir := cfg.Output.Directory
		if recordOutputDir != "" {
			outputDir = recordOutputDir
		}

		streamTimeout := cfg.Timing.StreamTimeout
		if recordStreamTimeout > 0 {
			streamTimeout = time.Duration(recordStreamTimeout * float64(time.Second))
		}

		var specs []record.StreamSpec
		for _, s := range cfg.Streams {
			specs = append(specs, record.StreamSpec{
				Type:     stream.Type(s.Type),
				Required: s.Required,
			})
		}

		bridgeURL := cfg.BridgeURL
		recorder := record.New(record.Options{
			Resolver: stream.NewBridgeResolver(bridgeURL),
			Writer:   persist.New(outputDir, cfg.Output.FallbackDirectory),
			DialContinuous: func(ctx context.Context, desc stream.Descriptor) (stream.ContinuousInlet, error) {
				return stream.DialContinuous(ctx, bridgeURL, desc)
			},
			DialEvent: func(ctx context.Context, desc stream.Descriptor) (stream.EventInlet, error) {
				return stream.DialEvent(ctx, bridgeURL, desc)
			},
			Specs:             specs,
			StreamTimeout:     streamTimeout,
			PullTimeout:       cfg.Timing.PullTimeout,
			PollInterval:      cfg.Timing.PollInterval,
			GracePeriod:       cfg.Timing.GracePeriod,
			Duration:          time.Duration(recordDuration * float64(time.Second)),
			CalibrationWindow: cfg.Clock.CalibrationWindow,
			DriftTolerance:    cfg.Clock.DriftTolerance,
		})

		slog.Info("Starting recording session", "output", outputDir, "streams", len(specs))
		if recordDuration <= 0 {
			slog.Info("No duration configured, recording until interrupted")
		}

		rec, err := recorder.Run(ctx)
		if err != nil {
			return sessionError(ctx, err)
		}

		for _, desc := range rec.Streams {
			if buf := rec.BufferFor(desc.ID); buf != nil {
				slog.Info("Stream captured", "id", desc.ID, "records", buf.Len(), "incomplete", buf.Incomplete())
			}
		}
		slog.Info("Session complete", "session", rec.SessionID, "degraded", rec.Degraded())

		return sessionError(ctx, nil)
	},
}

// sessionError maps a finished session onto the command's error
// surface. A user interrupt is reported as errInterrupted whether it
// cut discovery short or stopped a session that went on to flush
// cleanly; any other failure keeps its identity so Execute maps it to
// the right exit code.
func sessionError(ctx context.Context, err error) error {
	if err == nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return errInterrupted
	}
	return fmt.Errorf("recording failed: %w", err)
}

func init() {
	recordCmd.Flags().Float64VarP(&recordDuration, "duration", "d", 0, "recording duration in seconds (default: until interrupted)")
	recordCmd.Flags().StringVarP(&recordOutputDir, "output-dir", "o", "", "output directory (overrides config)")
	recordCmd.Flags().Float64VarP(&recordStreamTimeout, "stream-timeout", "t", 0, "stream discovery timeout in seconds (overrides config)")
}
