// Command blobtrack runs the blob-to-agent tracker with its HTTP monitor,
// SQLite recorder and pose follower.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/blob.track/internal/config"
	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/version"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "blobtrack",
		Short:         "Track event-camera blobs as persistent agents",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, cmd.ErrOrStderr())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a tuning JSON file (defaults are embedded)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "ops", "Log streams to enable: ops, diag or trace")
	rootCmd.AddCommand(newRunCmd(), newExportCmd(), newConfigCmd(), newMigrateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blobtrack: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging enables the ops stream and, depending on level, the diag and
// trace streams. Each level includes the ones before it.
func setupLogging(level string, w io.Writer) error {
	writers := monitoring.LogWriters{Ops: w}
	switch strings.ToLower(level) {
	case "ops":
	case "diag":
		writers.Diag = w
	case "trace":
		writers.Diag = w
		writers.Trace = w
	default:
		return fmt.Errorf("unknown log level %q (want ops, diag or trace)", level)
	}
	monitoring.SetLogWriters(writers)
	return nil
}

// loadTuning returns the embedded defaults overlaid with the file at path,
// if any.
func loadTuning(path string) (*config.TuningConfig, error) {
	cfg := config.DefaultTuningConfig()
	if path == "" {
		return cfg, nil
	}
	override, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
