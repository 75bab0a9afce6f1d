package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/trackstore"
)

func newExportCmd() *cobra.Command {
	var dbPath, out, start, end string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded agent observations as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseBound("start", start)
			if err != nil {
				return err
			}
			to, err := parseBound("end", end)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			return exportObservations(cmd, dbPath, w, from, to)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "blobtrack.db", "SQLite database path")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file (- for stdout)")
	cmd.Flags().StringVar(&start, "start", "", "Inclusive RFC3339 start time")
	cmd.Flags().StringVar(&end, "end", "", "Exclusive RFC3339 end time")
	return cmd
}

func exportObservations(cmd *cobra.Command, dbPath string, w io.Writer, from, to time.Time) error {
	store, err := trackstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ExportObservationsCSV(cmd.Context(), w, from, to)
	if err != nil {
		return err
	}
	monitoring.Diagf("exported %d observations from %s", n, dbPath)
	return nil
}

func parseBound(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}
