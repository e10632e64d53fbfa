// Package sched drives the periodic jobs: aggregation (with ingest riding
// on it) and auto-close. Jobs are idempotent by construction, so a tick that
// overlaps a slow previous run is harmless.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Job is one named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner executes jobs on their own tickers until stopped.
type Runner struct {
	logger log.Logger
	jobs   []Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. Jobs with a non-positive interval are dropped with a
// warning at Start.
func New(logger log.Logger, jobs ...Job) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{logger: logger, jobs: jobs}
}

// Start launches one goroutine per job. Each job runs once immediately and
// then on every tick. Start is not reentrant.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, job := range r.jobs {
		if job.Interval <= 0 {
			r.logger.Warn(ctx, "skipping job with no interval", "job", job.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

// Stop cancels all jobs and waits for in-flight runs, honoring the context
// deadline.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error(ctx, err, "job run failed", "job", job.Name, "duration", time.Since(start).Seconds())
		return
	}
	r.logger.Info(ctx, "job run complete", "job", job.Name, "duration", time.Since(start).Seconds())
}
