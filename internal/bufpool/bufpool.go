// Package bufpool provides a bounded pool of reusable transient objects.
//
// At most Cap objects are checked out at once; Get blocks until one is
// returned or the context is done. Returned objects are kept on a free list
// and handed out again.
package bufpool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool hands out at most Cap objects of type T at a time.
type Pool[T any] struct {
	sema  *semaphore.Weighted
	newFn func() *T
	reset func(*T)
	cap   int

	mu   sync.Mutex
	free []*T

	inUse   atomic.Int64
	waits   atomic.Int64
	created atomic.Int64
}

// New returns a pool allowing capacity concurrent checkouts. reset, if not
// nil, is applied to every object on Put.
func New[T any](capacity int, newFn func() *T, reset func(*T)) *Pool[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool[T]{
		sema:  semaphore.NewWeighted(int64(capacity)),
		newFn: newFn,
		reset: reset,
		cap:   capacity,
	}
}

// Get checks out an object, blocking while the pool is exhausted. It returns
// ctx.Err() if the context is done first.
func (p *Pool[T]) Get(ctx context.Context) (*T, error) {
	if !p.sema.TryAcquire(1) {
		p.waits.Add(1)
		if err := p.sema.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	p.inUse.Add(1)

	p.mu.Lock()
	var v *T
	if n := len(p.free); n > 0 {
		v = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()
	if v == nil {
		v = p.newFn()
		p.created.Add(1)
	}
	return v, nil
}

// Put returns an object obtained from Get.
func (p *Pool[T]) Put(v *T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
	p.inUse.Add(-1)
	p.sema.Release(1)
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Cap     int   `json:"cap"`
	InUse   int64 `json:"in_use"`
	Waits   int64 `json:"waits"`
	Created int64 `json:"created"`
}

// Stats returns current usage.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Cap:     p.cap,
		InUse:   p.inUse.Load(),
		Waits:   p.waits.Load(),
		Created: p.created.Load(),
	}
}
