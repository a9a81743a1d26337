// Package steps runs a build as a directed acyclic graph of typed futures
// with explicit dependency wiring, a bounded worker pool, and fail-fast
// cancellation.
package steps

import (
	"context"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Awaitable is the dependency handle a step declares: any future,
// regardless of its value type.
type Awaitable interface {
	wait(ctx context.Context) error
}

// Future is the typed result handle of a submitted step.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Get blocks until the step resolves or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

func (f *Future[T]) wait(ctx context.Context) error {
	_, err := f.Get(ctx)
	return err
}

// Resolved returns a future already holding value. Useful for feeding
// constants into dependency lists.
func Resolved[T any](value T) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), value: value}
	close(f.done)
	return f
}

// Executor schedules steps on a bounded worker pool. Steps are I/O heavy;
// the pool bounds concurrent work, not goroutines. The first step failure
// cancels the executor's context so in-flight I/O aborts and pending steps
// short-circuit.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
}

// DefaultWorkers is the worker pool size used when none is given: the CPU
// count clamped to [2, 10].
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 10 {
		return 10
	}
	return n
}

// NewExecutor derives a cancellable context from ctx and sizes the pool.
// workers <= 0 selects DefaultWorkers.
func NewExecutor(ctx context.Context, workers int) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	derived, cancel := context.WithCancel(ctx)
	return &Executor{
		ctx:    derived,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(workers)),
	}
}

// Cancel aborts every pending and in-flight step.
func (e *Executor) Cancel() { e.cancel() }

// Context returns the executor's cancellable context.
func (e *Executor) Context() context.Context { return e.ctx }

// Submit schedules fn to run once every dependency has resolved without
// error. A failed dependency resolves the step to the originating error
// without running fn; a failing fn cancels the executor.
func Submit[T any](e *Executor, name string, fn func(ctx context.Context) (T, error), deps ...Awaitable) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)

		if err := awaitAll(e.ctx, deps); err != nil {
			f.err = err
			return
		}

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			f.err = err
			return
		}
		defer e.sem.Release(1)

		value, err := fn(e.ctx)
		if err != nil {
			f.err = errors.Wrapf(err, "step %s failed", name)
			e.cancel()
			return
		}
		f.value = value
	}()
	return f
}

// WhenAll waits for every dependency and aggregates their errors into one.
func WhenAll(ctx context.Context, deps ...Awaitable) error {
	return awaitAll(ctx, deps)
}

func awaitAll(ctx context.Context, deps []Awaitable) error {
	var result *multierror.Error
	for _, dep := range deps {
		if err := dep.wait(ctx); err != nil {
			result = multierror.Append(result, err)
			if ctx.Err() != nil {
				// Context is gone; remaining waits would all report the
				// same cancellation.
				break
			}
		}
	}
	return result.ErrorOrNil()
}
