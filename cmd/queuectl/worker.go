package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/store"
	"github.com/scarson/queuectl/internal/worker"
)

// ── worker ────────────────────────────────────────────────────────────────────

func (a *app) workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start or stop worker loops",
	}
	cmd.AddCommand(a.workerStartCmd(), a.workerStopCmd())
	return cmd
}

func (a *app) workerStartCmd() *cobra.Command {
	var (
		count  int
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run worker loops until SIGINT/SIGTERM",
		Long: `Run --count worker loops in this process until SIGINT or SIGTERM.
On a signal each loop finishes its in-flight job before exiting.
With --detach, start --count background processes of one loop each and return.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			if detach {
				return a.spawnWorkers(cmd, count)
			}
			return a.runWorkers(cmd.Context(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of worker loops")
	cmd.Flags().BoolVar(&detach, "detach", false, "start workers as background processes")
	return cmd
}

// workerConfig is the loop configuration shared by `worker start` and `serve`.
func (a *app) workerConfig() worker.Config {
	return worker.Config{
		PollInterval: a.cfg.PollInterval,
		ReclaimAfter: a.cfg.ReclaimAfter,
		Executor:     worker.ShellExecutor{},
		Logger:       a.log,
	}
}

func (a *app) runWorkers(parent context.Context, count int) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	pool := worker.NewPool(st, count, a.workerConfig())
	a.log.Info("workers started", "count", count, "pid", os.Getpid())
	// Blocks until ctx is cancelled, then drains in-flight jobs.
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	a.log.Info("workers stopped")
	return nil
}

// spawnWorkers starts count copies of this binary running one loop each.
// The children inherit the environment and the resolved store location.
func (a *app) spawnWorkers(cmd *cobra.Command, count int) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	for range count {
		child := exec.Command(self, "worker", "start", "--count", "1", "--db", a.cfg.DatabaseURL) //nolint:gosec // re-executing ourselves
		child.Env = os.Environ()
		detachProcess(child)
		if err := child.Start(); err != nil {
			return fmt.Errorf("start worker process: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started worker process %d\n", child.Process.Pid) //nolint:errcheck
		if err := child.Process.Release(); err != nil {
			return fmt.Errorf("release worker process: %w", err)
		}
	}
	return nil
}

func (a *app) workerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal registered worker processes on this host to stop gracefully",
		Long: `Send SIGTERM to every worker process on this host that is registered in
the store. Each worker finishes its current job before exiting. Workers on
other hosts are listed but not signalled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				workers, err := st.ListWorkers(ctx)
				if err != nil {
					return err
				}
				return a.signalWorkers(cmd, workers)
			})
		},
	}
}

func (a *app) signalWorkers(cmd *cobra.Command, workers []*store.Registration) error {
	out := cmd.OutOrStdout()
	if len(workers) == 0 {
		fmt.Fprintln(out, "no registered workers") //nolint:errcheck
		return nil
	}
	hostname, _ := os.Hostname() //nolint:errcheck

	// A pool registers one row per loop under the same pid.
	signalled := make(map[int]bool)
	for _, w := range workers {
		switch {
		case w.Hostname != hostname:
			fmt.Fprintf(out, "skipping %s: runs on %s\n", w.WorkerID, w.Hostname) //nolint:errcheck
			continue
		case w.PID <= 0 || w.PID == os.Getpid() || signalled[w.PID]:
			continue
		}
		signalled[w.PID] = true

		proc, err := os.FindProcess(w.PID)
		if err == nil {
			err = proc.Signal(syscall.SIGTERM)
		}
		if err != nil {
			// Already gone: the reaper will release anything it held.
			a.log.Warn("signal worker", "pid", w.PID, "worker_id", w.WorkerID, "error", err)
			continue
		}
		fmt.Fprintf(out, "sent SIGTERM to worker process %s\n", strconv.Itoa(w.PID)) //nolint:errcheck
	}
	return nil
}
