package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"synthmemory/backend/pkg/logger"
)

// TaskGroup supervises detached background work. Tasks are fire-and-forget
// for the submitter, but the group can be drained at shutdown.
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight int64

	logger *zap.Logger
}

// NewTaskGroup creates a task group. Tasks receive a context that is
// cancelled when Drain gives up waiting.
func NewTaskGroup(name string) *TaskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskGroup{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Component(name),
	}
}

// Go starts fn in the background. It returns false once the group is draining.
func (g *TaskGroup) Go(fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	atomic.AddInt64(&g.inFlight, 1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer atomic.AddInt64(&g.inFlight, -1)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Background task panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()
		fn(g.ctx)
	}()
	return true
}

// InFlight returns the number of running tasks
func (g *TaskGroup) InFlight() int {
	return int(atomic.LoadInt64(&g.inFlight))
}

// Drain stops accepting tasks and waits for running ones. If ctx ends first,
// running tasks are cancelled and Drain returns ctx.Err().
func (g *TaskGroup) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		abandoned := g.InFlight()
		g.cancel()
		g.logger.Warn("Drain deadline reached, abandoning background tasks",
			zap.Int("abandoned", abandoned),
		)
		return ctx.Err()
	}
}
