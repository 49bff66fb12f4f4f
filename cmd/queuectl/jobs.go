package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/store"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func (a *app) enqueueCmd() *cobra.Command {
	var (
		id         string
		command    string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "enqueue [json]",
		Short: "Add a job to the queue",
		Long: `Add a job to the queue. The job is given either as a JSON object
({"id":"job1","command":"sleep 2","max_retries":3}) or with --id and --command.
Flags override fields from the JSON argument.`,
		Example: `  queuectl enqueue '{"id":"job1","command":"echo hello"}'
  queuectl enqueue --id job2 --command "sleep 2" --max-retries 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p store.EnqueueParams
			if len(args) == 1 {
				dec := json.NewDecoder(strings.NewReader(args[0]))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&p); err != nil {
					return fmt.Errorf("parse job JSON: %w", err)
				}
			}
			if cmd.Flags().Changed("id") {
				p.ID = id
			}
			if cmd.Flags().Changed("command") {
				p.Command = command
			}
			if cmd.Flags().Changed("max-retries") {
				p.MaxRetries = &maxRetries
			}
			if p.ID == "" || p.Command == "" {
				return errors.New("a job needs an id and a command")
			}

			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				job, err := st.Enqueue(ctx, p)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s (max_retries=%d)\n", job.ID, job.MaxRetries) //nolint:errcheck
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after the first failure (default from config)")
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func (a *app) listCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active jobs",
		Long:  "List active jobs, oldest first. Dead-lettered jobs are listed by `queuectl dlq list`.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *store.State
			if state != "" {
				s, err := store.ParseState(state)
				if err != nil {
					return err
				}
				filter = &s
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListJobs(ctx, filter)
				if err != nil {
					return err
				}
				if a.jsonOut {
					if jobs == nil {
						jobs = []*store.Job{}
					}
					return printJSON(cmd.OutOrStdout(), jobs)
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state: pending, processing or completed")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

type statusOutput struct {
	Counts  *store.Counts         `json:"counts"`
	Workers []*store.Registration `json:"workers"`
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by state and live workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				counts, err := st.Counts(ctx)
				if err != nil {
					return err
				}
				workers, err := st.ListWorkers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					if workers == nil {
						workers = []*store.Registration{}
					}
					return printJSON(out, statusOutput{Counts: counts, Workers: workers})
				}

				tw := newTable(out, "STATE", "JOBS")
				row(tw, store.StatePending, counts.Pending)
				row(tw, store.StateProcessing, counts.Processing)
				row(tw, store.StateCompleted, counts.Completed)
				row(tw, "dead", counts.DeadLetter)
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\nworkers: %d\n", len(workers)) //nolint:errcheck
				if len(workers) == 0 {
					return nil
				}
				return printWorkers(out, workers)
			})
		},
	}
}

// ── reclaim ───────────────────────────────────────────────────────────────────

func (a *app) reclaimCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Release jobs held by workers that stopped heartbeating",
		Long: `Release jobs held by workers whose last heartbeat is older than
--older-than. Released jobs return to pending without consuming an attempt.
Running workers do this on their own; the command is for queues with no live
workers left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = a.cfg.ReclaimAfter
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				res, err := st.ReclaimStale(ctx, olderThan)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d job(s) from %d stale worker(s)\n", //nolint:errcheck
					res.Jobs, len(res.Workers))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "heartbeat age after which a worker is dead (default $RECLAIM_AFTER)")
	return cmd
}

// ── purge ─────────────────────────────────────────────────────────────────────

func (a *app) purgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed jobs last updated before --older-than ago",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				n, err := st.PurgeCompleted(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printPurged(cmd, a.jsonOut, n, "completed job(s)")
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of purged jobs")
	return cmd
}

func printPurged(cmd *cobra.Command, jsonOut bool, n int64, what string) error {
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d %s\n", n, what) //nolint:errcheck
	return nil
}
