// Package loop runs the engine's periodic workers. Every loop shares the
// same supervision policy: run one iteration, sleep, repeat; on iteration
// error back off exponentially from one second up to thirty, resetting after
// the next success.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// IterateFunc is one loop iteration. A nonzero returned duration overrides
// the runner's default sleep before the next iteration, letting a loop slow
// down when idle.
type IterateFunc func(ctx context.Context) (time.Duration, error)

// Runner supervises a single iteration function.
type Runner struct {
	name     string
	interval time.Duration
	fn       IterateFunc
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRunner creates a runner that sleeps interval between iterations.
func NewRunner(name string, interval time.Duration, fn IterateFunc, logger *slog.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start launches the loop goroutine. Starting a running loop is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.run(ctx)
	r.logger.Info("[LOOP] Started", "loop", r.name, "interval", r.interval)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		sleep := r.interval
		override, err := r.fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("[LOOP] Iteration failed",
				"loop", r.name,
				"error", err,
				"retry_in", backoff,
			)
			sleep = backoff
			backoff = min(backoff*2, maxBackoff)
		} else {
			backoff = initialBackoff
			if override > 0 {
				sleep = override
			}
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for the current iteration to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("[LOOP] Stopped", "loop", r.name)
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
