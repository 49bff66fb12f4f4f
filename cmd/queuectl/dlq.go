package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/store"
)

// ── dlq ───────────────────────────────────────────────────────────────────────

func (a *app) dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry jobs that exhausted their retries",
	}
	cmd.AddCommand(a.dlqListCmd(), a.dlqShowCmd(), a.dlqRetryCmd(), a.dlqPurgeCmd())
	return cmd
}

func (a *app) dlqListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, most recent failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				dls, err := st.ListDeadLetters(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					if dls == nil {
						dls = []*store.DeadLetter{}
					}
					return printJSON(cmd.OutOrStdout(), dls)
				}
				return printDeadLetters(cmd.OutOrStdout(), dls)
			})
		},
	}
}

func (a *app) dlqShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead-lettered job with its full last error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				dl, err := st.GetDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return printJSON(out, dl)
				}
				fmt.Fprintf(out, "id:          %s\ncommand:     %s\nattempts:    %d\nmax_retries: %d\ncreated_at:  %s\nfailed_at:   %s\nlast_error:\n%s\n", //nolint:errcheck
					dl.ID, dl.Command, dl.Attempts, dl.MaxRetries, fmtTime(dl.CreatedAt), fmtTime(dl.FailedAt), dl.LastError)
				return nil
			})
		},
	}
}

func (a *app) dlqRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a dead-lettered job back to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				job, err := st.RequeueFromDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued job %s\n", job.ID) //nolint:errcheck
				return nil
			})
		},
	}
}

func (a *app) dlqPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead-lettered jobs that failed before --older-than ago",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				n, err := st.PurgeDeadLetters(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printPurged(cmd, a.jsonOut, n, "dead-lettered job(s)")
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of purged records")
	return cmd
}

// ── config ────────────────────────────────────────────────────────────────────

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write queue policy shared by all workers",
		Long: `Read and write queue policy stored alongside the jobs.

Known keys:
  max_retries   default retries for jobs enqueued without max_retries (integer >= 0)
  backoff_base  retry delay is backoff_base^attempts seconds (number > 0)`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a config value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
					value, ok, err := st.GetConfig(ctx, args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("config key %q is not set", args[0])
					}
					if a.jsonOut {
						return printJSON(cmd.OutOrStdout(), store.ConfigEntry{Key: args[0], Value: value})
					}
					fmt.Fprintln(cmd.OutOrStdout(), value) //nolint:errcheck
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a config value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
					if err := st.SetConfig(ctx, args[0], args[1]); err != nil {
						return err
					}
					if a.jsonOut {
						return printJSON(cmd.OutOrStdout(), store.ConfigEntry{Key: args[0], Value: args[1]})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1]) //nolint:errcheck
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print every config entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
					entries, err := st.ListConfig(ctx)
					if err != nil {
						return err
					}
					if a.jsonOut {
						if entries == nil {
							entries = []store.ConfigEntry{}
						}
						return printJSON(cmd.OutOrStdout(), entries)
					}
					tw := newTable(cmd.OutOrStdout(), "KEY", "VALUE")
					for _, e := range entries {
						row(tw, e.Key, e.Value)
					}
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}
