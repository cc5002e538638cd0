package workers

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// CPUPool bounds how many CPU-heavy jobs (entity extraction) run at once
type CPUPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewCPUPool creates a pool with size slots
func NewCPUPool(size int) *CPUPool {
	if size < 1 {
		size = 1
	}
	return &CPUPool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the number of slots
func (p *CPUPool) Size() int {
	return p.size
}

// Run waits for a slot, runs fn and returns its error. If ctx ends first,
// Run returns ctx.Err() right away; a job already started keeps its slot
// until it finishes, and its result is dropped.
func (p *CPUPool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("pool job panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
