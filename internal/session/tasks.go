package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"intake-bridge/internal/metrics"
)

// taskGroup runs detached per-call work (persistence, extraction,
// summaries).  Failures are logged and counted, never returned to the
// caller.  The relay path only ever calls Go, which does not block.
type taskGroup struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func newTaskGroup(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, timeout: timeout, logger: logger, metrics: m}
}

// Go starts fn in its own goroutine with a per-task timeout.
func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx := g.ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return fn(ctx)
		}()
		if err != nil {
			g.metrics.TaskFailed(name)
			g.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until every started task has returned.
func (g *taskGroup) Wait() {
	g.wg.Wait()
}

// Drain waits up to timeout for running tasks, then cancels whatever is
// left.
func (g *taskGroup) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		g.logger.Warn("background tasks still running at session end; cancelling")
	}
	g.cancel()
}
