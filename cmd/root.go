package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/neurolibrelab/neurocapture/internal/config"
	"github.com/neurolibrelab/neurocapture/internal/persist"
	"github.com/neurolibrelab/neurocapture/internal/stream"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int
)

// errInterrupted marks a session stopped by an explicit user interrupt
// after its buffers were flushed successfully.
var errInterrupted = errors.New("recording interrupted")

var rootCmd = &cobra.Command{
	Use:   "neurocapture",
	Short: "Concurrent biosignal stream recorder",
	Long: `NeuroCapture records a continuous multichannel sensor stream and a
sparse event-marker stream simultaneously, preserving their relative
timing, and persists timestamp-ordered tables plus session metadata
with atomic writes.

Streams are discovered through a sensor bridge; which streams are
required versus optional is declared in the configuration file.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps session-level failures onto the documented exit codes:
// 1 required-stream discovery timeout, 2 persistence failure,
// 130 explicit user interrupt.
func exitCode(err error) int {
	var discoveryErr *stream.DiscoveryError
	var writeErr *persist.WriteFailure

	switch {
	case errors.Is(err, errInterrupted):
		return 130
	case errors.As(err, &discoveryErr):
		return 1
	case errors.As(err, &writeErr):
		return 2
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/neurocapture.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}
