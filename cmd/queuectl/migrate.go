package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/store"
)

// ── migrate ───────────────────────────────────────────────────────────────────

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a.log.Info("running migrations")
			if err := store.Migrate(ctx, a.cfg.DatabaseURL); err != nil {
				return err
			}
			version, dirty, err := store.SchemaVersion(a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			a.log.Info("migrations complete", "version", version, "dirty", dirty)
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version) //nolint:errcheck
			return nil
		},
	}
}
