package sched

import (
	"container/heap"
	"sync"

	"github.com/freeeve/regionstore/internal/region"
)

type task struct {
	pool    Pool
	item    Item
	seq     uint64
	fut     *Future
	heapIdx int
}

// taskHeap orders by priority, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// queue is a blocking task queue. Tasks submitted with equal priority come out
// in submission order, so pools that never set a priority behave as FIFO.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  taskHeap
	seq    uint64
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.items, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available. It returns false once the queue is
// closed and empty.
func (q *queue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	return heap.Pop(&q.items).(*task), true
}

// drain removes every queued task.
func (q *queue) drain() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*task))
	}
	return out
}

// reprioritize empties the queue, recomputes the priority of every task bound
// to a region and refills it. Producers and consumers are blocked meanwhile.
func (q *queue) reprioritize(fn func(region.RegionPos) float64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]*task, 0, len(q.items))
	for len(q.items) > 0 {
		tasks = append(tasks, heap.Pop(&q.items).(*task))
	}
	for _, t := range tasks {
		if t.item.HasRegion {
			t.item.Priority = fn(t.item.Region)
		}
		heap.Push(&q.items, t)
	}
	return len(tasks)
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
