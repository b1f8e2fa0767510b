package sched

import (
	"context"
	"sync"
)

// Future is the pending result of a scheduled task.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that is already resolved.
func Completed(v any, err error) *Future {
	f := newFuture()
	f.complete(v, err)
	return f
}

func (f *Future) complete(v any, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done. A task cancelled by
// shutdown resolves to (nil, nil).
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err waits for the future and returns only its error.
func (f *Future) Err(ctx context.Context) error {
	_, err := f.Wait(ctx)
	return err
}

// All returns a future resolving after every input future, carrying the first
// error encountered.
func All(fs ...*Future) *Future {
	out := newFuture()
	go func() {
		var first error
		for _, f := range fs {
			<-f.done
			if f.err != nil && first == nil {
				first = f.err
			}
		}
		out.complete(nil, first)
	}()
	return out
}

// NewPromise returns a future and the function that resolves it. Later calls
// to resolve are ignored.
func NewPromise() (*Future, func(v any, err error)) {
	f := newFuture()
	return f, f.complete
}

// Resolved reports whether the future has completed.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
