package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/trackstore"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the tracking database schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "blobtrack.db", "SQLite database path")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd, dbPath, func(s *trackstore.Store) error {
					monitoring.Opsf("running migrations on %s", dbPath)
					return s.MigrateUp()
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd, dbPath, func(s *trackstore.Store) error {
					monitoring.Opsf("rolling back one migration on %s", dbPath)
					return s.MigrateDown()
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrations(cmd, dbPath, nil)
			},
		},
	)
	return cmd
}

// withMigrations opens the database without migrating, runs fn if set and
// prints the resulting schema version.
func withMigrations(cmd *cobra.Command, dbPath string, fn func(*trackstore.Store) error) error {
	store, err := trackstore.OpenWithoutMigrate(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if fn != nil {
		if err := fn(store); err != nil {
			return err
		}
	}
	version, dirty, err := store.MigrateVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
	if dirty {
		monitoring.Opsf("database %s is dirty at version %d; a migration failed part way", dbPath, version)
	}
	return nil
}
