package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var ErrRunnerClosed = errors.New("runner is shutting down")

// Runner starts background tasks that outlive the request that created
// them. A panicking task is logged and does not take the process down.
type Runner struct {
	logger   *zap.Logger
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Go runs fn on its own goroutine. fn receives a context that is never
// cancelled; a started task always runs to the end. Once Wait has been
// called Go returns ErrRunnerClosed and fn is not run.
func (r *Runner) Go(name string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("ingest.Runner.Go: %s: %w", name, ErrRunnerClosed)
	}
	r.wg.Add(1)
	r.inFlight.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.inFlight.Add(-1)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", p),
					zap.Stack("stack"),
				)
			}
		}()

		r.logger.Debug("background task started", zap.String("task", name))
		fn(context.Background())
		r.logger.Debug("background task finished", zap.String("task", name))
	}()
	return nil
}

func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

// Wait stops accepting tasks and blocks until every started task has
// returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest.Runner.Wait: %d tasks still running: %w", r.InFlight(), ctx.Err())
	}
}
