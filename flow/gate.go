package flow

import (
	"container/heap"
	"context"
	"sync"
)

// Gate is a counting semaphore with priority-ordered admission.
//
// Waiters are drained high-then-normal-then-low when a slot frees; within a
// priority class, admission is FIFO. Capacity <= 0 means unbounded: Acquire
// always succeeds immediately and Release is a no-op.
//
// Workers acquire the workflow-wide gate first and the per-vertex-type gate
// second, releasing in reverse order.
type Gate struct {
	capacity int

	mu      sync.Mutex
	inUse   int
	waiters gateHeap
	seq     uint64
}

// NewGate creates a gate with the given capacity.
func NewGate(capacity int) *Gate {
	return &Gate{capacity: capacity}
}

type gateWaiter struct {
	rank  int
	seq   uint64
	ready chan struct{}
	index int
}

// gateHeap orders waiters by priority rank, FIFO within a rank.
type gateHeap []*gateWaiter

func (h gateHeap) Len() int { return len(h) }

func (h gateHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h gateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *gateHeap) Push(x any) {
	w := x.(*gateWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *gateHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Acquire claims one slot, waiting in priority order when the gate is full.
// Returns the context error if cancelled while waiting; the slot is not
// consumed in that case.
func (g *Gate) Acquire(ctx context.Context, pr Priority) error {
	if g == nil || g.capacity <= 0 {
		return nil
	}

	g.mu.Lock()
	if g.inUse < g.capacity && g.waiters.Len() == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	g.seq++
	w := &gateWaiter{rank: pr.rank(), seq: g.seq, ready: make(chan struct{})}
	heap.Push(&g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.ready:
			// The slot was handed over before we could withdraw; give
			// it back so it is not leaked.
			g.releaseLocked()
			g.mu.Unlock()
			return ctx.Err()
		default:
		}
		if w.index >= 0 && w.index < g.waiters.Len() && g.waiters[w.index] == w {
			heap.Remove(&g.waiters, w.index)
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot and hands it to the highest-priority waiter.
func (g *Gate) Release() {
	if g == nil || g.capacity <= 0 {
		return
	}
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *Gate) releaseLocked() {
	if g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*gateWaiter)
		// The slot transfers directly to the waiter; inUse is unchanged.
		close(w.ready)
		return
	}
	if g.inUse > 0 {
		g.inUse--
	}
}

// InUse returns the number of currently held slots.
func (g *Gate) InUse() int {
	if g == nil || g.capacity <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}
