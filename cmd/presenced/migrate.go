package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/presence-engine/internal/config"
	"github.com/example/presence-engine/internal/persistence/sqlite"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StorageSQLite {
				return fmt.Errorf("migrate requires sqlite storage, got %q", cfg.Storage)
			}
			return runMigrate(cmd.Context(), cfg.SQLitePath, statusOnly, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "Print applied and pending migrations without applying them")
	return cmd
}

func runMigrate(ctx context.Context, path string, statusOnly bool, out io.Writer, logger *slog.Logger) error {
	storage, err := sqlite.Open(ctx, sqlite.DefaultConfig(path))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if cerr := storage.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()

	if !statusOnly {
		if err := storage.Migrate(ctx, logger); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	status, err := storage.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\tSTATE\tAPPLIED AT\n")
	for _, applied := range status.AppliedMigrations {
		fmt.Fprintf(w, "%s\tapplied\t%s\n", applied.Version, applied.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, pending := range status.PendingMigrations {
		fmt.Fprintf(w, "%s\tpending\t-\n", pending.Version)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "current version: %s\n", displayVersion(status.CurrentVersion))
	return nil
}

func displayVersion(version string) string {
	if version == "" {
		return "none"
	}
	return version
}
