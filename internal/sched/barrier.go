package sched

import (
	"sync"
	"time"
)

// Barrier counts outstanding tasks. Each time the count drops to zero the
// current generation completes and waiters of that generation are released.
type Barrier struct {
	mu      sync.Mutex
	pending int
	gen     uint64
	done    chan struct{}
}

// NewBarrier returns a barrier with nothing outstanding.
func NewBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// Register adds one outstanding party.
func (b *Barrier) Register() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

// Arrive removes one outstanding party.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == 0 {
		panic("sched: barrier arrive without register")
	}
	b.pending--
	if b.pending == 0 {
		close(b.done)
		b.done = make(chan struct{})
		b.gen++
	}
}

// Pending returns the number of outstanding parties.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Generation returns how many times the count has dropped to zero.
func (b *Barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// AwaitTimeout blocks until nothing is outstanding or d elapses. It reports
// whether the barrier was reached.
func (b *Barrier) AwaitTimeout(d time.Duration) bool {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return true
	}
	ch := b.done
	b.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return b.Pending() == 0
	}
}
