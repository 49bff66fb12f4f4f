package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scarson/queuectl/internal/api"
	"github.com/scarson/queuectl/internal/store"
	"github.com/scarson/queuectl/internal/worker"
)

// ── serve ─────────────────────────────────────────────────────────────────────

func (a *app) serveCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and an optional embedded worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workers < 0 {
				return errors.New("--workers must not be negative")
			}
			return a.runServe(cmd.Context(), workers)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker loops to run inside the server process")
	return cmd
}

func (a *app) runServe(parent context.Context, workers int) error {
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

	// The pool drains on ctx cancellation, alongside HTTP shutdown.
	var poolWG sync.WaitGroup
	if workers > 0 {
		pool := worker.NewPool(st, workers, a.workerConfig())
		poolWG.Add(1)
		go func() {
			defer poolWG.Done()
			if err := pool.Run(ctx); err != nil { //nolint:contextcheck // ctx is the process-lifetime context
				a.log.Error("embedded worker pool", "error", err)
			}
		}()
	}

	apiServer := api.NewServer(st, a.cfg, a.log)
	defer apiServer.Close()
	srv := newHTTPServer(a.cfg.ListenAddr, apiServer.Handler())

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("server started", "addr", a.cfg.ListenAddr, "postgres", store.IsPostgresURL(a.cfg.DatabaseURL), "workers", workers)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		poolWG.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	a.log.Info("shutting down", "timeout_seconds", a.cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	poolWG.Wait()
	a.log.Info("server stopped")
	return nil
}

// newHTTPServer sets explicit read and idle timeouts against slow clients.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
