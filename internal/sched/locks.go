package sched

import (
	"context"
	"sync"

	"github.com/freeeve/regionstore/internal/region"
)

// DefaultLockBits gives 16×16 = 256 region locks.
const DefaultLockBits = 4

// Locks is a fixed array of region locks. Regions whose coordinates agree in
// the low bits share a lock. Meta and Map are global locks for cross-region
// state: Meta for store-wide metadata, Map for structural changes to the
// region map.
type Locks struct {
	bits    uint
	mask    int32
	stripes []sync.RWMutex

	Meta sync.RWMutex
	Map  sync.RWMutex
}

// NewLocks returns 1<<(2*bits) region locks. bits outside 1..8 falls back to
// the default.
func NewLocks(bits int) *Locks {
	if bits < 1 || bits > 8 {
		bits = DefaultLockBits
	}
	return &Locks{
		bits:    uint(bits),
		mask:    int32(1)<<uint(bits) - 1,
		stripes: make([]sync.RWMutex, 1<<(2*bits)),
	}
}

// Index returns the stripe used for pos.
func (l *Locks) Index(pos region.RegionPos) int {
	return int((pos.Z&l.mask)<<l.bits | (pos.X & l.mask))
}

// For returns the lock guarding pos.
func (l *Locks) For(pos region.RegionPos) *sync.RWMutex {
	return &l.stripes[l.Index(pos)]
}

// Len returns the number of region locks.
func (l *Locks) Len() int { return len(l.stripes) }

// Acquire takes the lock guarding pos in mode and returns its release. The
// wait ends early with ctx.Err() when ctx is done; the lock is then released
// as soon as the abandoned acquisition completes.
func (l *Locks) Acquire(ctx context.Context, pos region.RegionPos, mode LockMode) (func(), error) {
	mu := l.For(pos)
	lock, unlock, try := mu.RLock, mu.RUnlock, mu.TryRLock
	if mode == LockWrite {
		lock, unlock, try = mu.Lock, mu.Unlock, mu.TryLock
	}
	if try() {
		return unlock, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acquired := make(chan struct{})
	go func() {
		lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return unlock, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			unlock()
		}()
		return nil, ctx.Err()
	}
}
