// Command queuectl is a durable background job queue for shell commands.
//
// Subcommands:
//
//	enqueue   add a job
//	list      list active jobs, optionally by state
//	status    job counts and live workers
//	worker    start or stop worker loops
//	dlq       inspect, retry and purge dead-lettered jobs
//	config    read and write queue policy (max_retries, backoff_base)
//	reclaim   release jobs held by silent workers
//	purge     delete old completed jobs
//	migrate   run pending database migrations and exit
//	serve     HTTP API with an optional embedded worker pool
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	// Sets GOMEMLIMIT from the cgroup memory limit when running in a container.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/config"
	"github.com/scarson/queuectl/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand: parsed configuration,
// the logger and the global output flags.
type app struct {
	dbURL   string
	jsonOut bool

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl: durable background job queue",
		// Silence default error printing; main logs it with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.dbURL, "db", "",
		"SQLite file path or postgres:// URL (default $QUEUECTL_DB or ./queue.db)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		a.enqueueCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.workerCmd(),
		a.dlqCmd(),
		a.configCmd(),
		a.reclaimCmd(),
		a.purgeCmd(),
		a.migrateCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabaseURL = a.dbURL
	}
	a.cfg = cfg
	a.log = newLogger(cfg)
	slog.SetDefault(a.log)
	return nil
}

// openStore opens the configured store. Migrations run on open unless
// AUTO_MIGRATE=false.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, a.cfg.DatabaseURL,
		store.WithMaxConns(a.cfg.DBMaxConns),
		store.WithBusyTimeout(a.cfg.BusyTimeout()),
		store.WithMigrate(a.cfg.AutoMigrate),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// withStore opens the store, runs fn and closes the store.
func (a *app) withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(ctx, st)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
