// Package worker runs the queue's worker loops. Each Loop is single threaded:
// it heartbeats, claims one job, runs its command to completion and reports
// the outcome before looking for more work. Mutual exclusion between loops,
// in this process or any other, comes from the store's claim transaction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/queuectl/internal/store"
)

const (
	// DefaultPollInterval is how long an idle loop sleeps between claims.
	DefaultPollInterval = 500 * time.Millisecond

	// deregisterTimeout bounds the final store write after a stop.
	deregisterTimeout = 5 * time.Second
)

// Queue is the subset of the store a loop needs. *store.Store satisfies it.
type Queue interface {
	RegisterWorker(ctx context.Context, r store.Registration) error
	HeartbeatWorker(ctx context.Context, r store.Registration) error
	DeregisterWorker(ctx context.Context, workerID string) error
	Claim(ctx context.Context, workerID string) (*store.Job, error)
	Complete(ctx context.Context, j *store.Job) error
	Fail(ctx context.Context, j *store.Job, errMsg string) (*store.FailResult, error)
	ReclaimStale(ctx context.Context, threshold time.Duration) (*store.ReclaimResult, error)
}

// State is the lifecycle phase of a Loop.
type State string

const (
	StateStarting  State = "starting"
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
)

// Config tunes a Loop. Zero values take defaults.
type Config struct {
	// WorkerID identifies the loop in locked_by and the workers table.
	// Generated from hostname, pid and a random suffix when empty.
	WorkerID string
	// PollInterval is the idle sleep and the heartbeat period while a
	// command runs.
	PollInterval time.Duration
	// ReclaimAfter enables the reaper: every ReclaimAfter/2 the loop releases
	// jobs of workers silent for longer than ReclaimAfter. Zero disables it.
	ReclaimAfter time.Duration
	Executor     Executor
	Logger       *slog.Logger
}

// Loop is one worker.
type Loop struct {
	store    Queue
	cfg      Config
	log      *slog.Logger
	reg      store.Registration

	state    atomic.Value // State
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Loop over q.
func New(q Queue, cfg Config) *Loop {
	hostname, _ := os.Hostname() //nolint:errcheck // an empty hostname only affects `worker stop`
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID(hostname)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	// A live worker heartbeats at least once per poll interval.
	if cfg.ReclaimAfter > 0 && cfg.ReclaimAfter < 4*cfg.PollInterval {
		cfg.ReclaimAfter = 4 * cfg.PollInterval
	}
	if cfg.Executor == nil {
		cfg.Executor = ShellExecutor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Loop{
		store:    q,
		cfg:      cfg,
		log:      cfg.Logger.With("worker_id", cfg.WorkerID),
		reg:      store.Registration{WorkerID: cfg.WorkerID, PID: os.Getpid(), Hostname: hostname},
		stopCh:   make(chan struct{}),
	}
	l.state.Store(StateStarting)
	return l
}

// NewWorkerID returns a unique worker id of the form host-pid-xxxxxxxx.
func NewWorkerID(hostname string) string {
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// ID returns the loop's worker id.
func (l *Loop) ID() string { return l.cfg.WorkerID }

// State returns the current lifecycle phase.
func (l *Loop) State() State { return l.state.Load().(State) }

func (l *Loop) setState(s State) { l.state.Store(s) }

// Stop asks the loop to finish its current iteration and exit. Safe to call
// more than once and from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Run registers the worker and processes jobs until ctx is cancelled or Stop
// is called. A running command is never interrupted: its outcome is recorded
// before the loop drains and deregisters. Run returns an error only when the
// initial registration fails.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateStarting)
	err := l.store.RegisterWorker(ctx, l.reg)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("register worker: %w", err)
	}
	l.log.Info("worker started", "poll_interval", l.cfg.PollInterval)
	l.setState(StateIdle)

	var wg sync.WaitGroup
	reaperCtx, stopReaper := context.WithCancel(ctx)
	if l.cfg.ReclaimAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runReaper(reaperCtx)
		}()
	}

	for !l.stopping(ctx) {
		if l.iterate(ctx) {
			continue
		}
		l.sleep(ctx)
	}

	l.setState(StateDraining)
	stopReaper()
	wg.Wait()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()
	if err := l.store.DeregisterWorker(dctx, l.cfg.WorkerID); err != nil {
		storeErrors.WithLabelValues("deregister").Inc()
		l.log.Error("deregister worker", "error", err)
	}
	l.setState(StateStopped)
	l.log.Info("worker stopped")
	return nil
}

// RunOnce performs a single iteration: heartbeat, claim and, if a job was
// claimed, execute and report it. It reports whether a job was processed.
func (l *Loop) RunOnce(ctx context.Context) bool {
	return l.iterate(ctx)
}

func (l *Loop) sleep(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.stopCh:
	case <-timer.C:
	}
}

// iterate returns true when a job was claimed, so the caller polls again
// without sleeping.
func (l *Loop) iterate(ctx context.Context) bool {
	if err := l.store.HeartbeatWorker(ctx, l.reg); err != nil {
		if ctx.Err() == nil {
			storeErrors.WithLabelValues("heartbeat").Inc()
			l.log.Error("heartbeat", "error", err)
		}
		return false
	}

	job, err := l.store.Claim(ctx, l.cfg.WorkerID)
	if err != nil {
		if ctx.Err() == nil {
			storeErrors.WithLabelValues("claim").Inc()
			if store.IsBusy(err) {
				l.log.Warn("claim contended", "error", err)
			} else {
				l.log.Error("claim job", "error", err)
			}
		}
		return false
	}
	if job == nil {
		return false
	}
	jobsClaimed.Inc()

	l.setState(StateExecuting)
	defer l.setState(StateIdle)
	l.execute(context.WithoutCancel(ctx), job)
	return true
}

// execute runs the claimed job and records its outcome. ctx is already
// detached from cancellation.
func (l *Loop) execute(ctx context.Context, job *store.Job) {
	log := l.log.With("job_id", job.ID)
	log.Info("executing job", "attempts", job.Attempts, "command", job.Command)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		l.heartbeatWhile(hbCtx)
	}()

	start := time.Now()
	execErr := l.cfg.Executor.Execute(ctx, job.Command)
	elapsed := time.Since(start)
	jobDuration.Observe(elapsed.Seconds())

	stopHeartbeat()
	<-hbDone

	if execErr == nil {
		if err := l.store.Complete(ctx, job); err != nil {
			storeErrors.WithLabelValues("complete").Inc()
			log.Error("complete job", "error", err)
			return
		}
		jobsCompleted.Inc()
		log.Info("job completed", "duration", elapsed)
		return
	}

	res, err := l.store.Fail(ctx, job, execErr.Error())
	if err != nil {
		storeErrors.WithLabelValues("fail").Inc()
		if errors.Is(err, store.ErrNotClaimed) {
			log.Warn("job lost before failure was recorded", "error", err)
		} else {
			log.Error("fail job", "error", err)
		}
		return
	}
	if res.DeadLettered {
		jobsFailed.WithLabelValues("dead_letter").Inc()
		log.Warn("job moved to dead letter queue", "attempts", res.Attempts, "error", execErr)
		return
	}
	jobsFailed.WithLabelValues("retry").Inc()
	log.Info("job failed, retry scheduled",
		"attempts", res.Attempts, "delay", res.Delay, "next_run_at", res.NextRunAt, "error", execErr)
}

// heartbeatWhile keeps the registration fresh while a command runs so the
// reaper does not release a job that is still executing.
func (l *Loop) heartbeatWhile(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.store.HeartbeatWorker(ctx, l.reg); err != nil && ctx.Err() == nil {
				storeErrors.WithLabelValues("heartbeat").Inc()
				l.log.Warn("heartbeat during execution", "error", err)
			}
		}
	}
}

// runReaper periodically releases jobs held by dead workers.
func (l *Loop) runReaper(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ReclaimAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := l.store.ReclaimStale(ctx, l.cfg.ReclaimAfter)
			if err != nil {
				if ctx.Err() == nil {
					storeErrors.WithLabelValues("reclaim").Inc()
					l.log.Error("reclaim stale workers", "error", err)
				}
				continue
			}
			if len(res.Workers) > 0 || res.Jobs > 0 {
				l.log.Warn("reclaimed stale work", "workers", res.Workers, "jobs", res.Jobs)
			}
		}
	}
}
