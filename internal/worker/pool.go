package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Pool runs a fixed number of Loops in one process against the same store.
type Pool struct {
	loops []*Loop
	log   *slog.Logger
}

// NewPool creates count loops sharing cfg. Each loop gets its own worker id;
// cfg.WorkerID is ignored when count > 1.
func NewPool(q Queue, count int, cfg Config) *Pool {
	if count < 1 {
		count = 1
	}
	if count > 1 {
		cfg.WorkerID = ""
	}
	p := &Pool{log: cfg.Logger}
	if p.log == nil {
		p.log = slog.Default()
	}
	for range count {
		p.loops = append(p.loops, New(q, cfg))
	}
	return p
}

// Loops returns the pool's loops.
func (p *Pool) Loops() []*Loop { return p.loops }

// Run starts every loop and blocks until all of them have exited. When ctx
// is cancelled each loop finishes its in-flight job, deregisters and returns.
// Registration failures are joined into the returned error.
func (p *Pool) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range p.loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	p.log.Info("worker pool stopped", "workers", len(p.loops))
	return errors.Join(errs...)
}

// Stop signals every loop to stop after its current iteration.
func (p *Pool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
}
