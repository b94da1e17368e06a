package volume

import (
	"container/heap"
	"sync"
)

// workItem is one pending pass over a volume. Lower priority values pop
// first; the enqueue timestamp is the usual priority, so the queue degrades
// to FIFO under no contention.
type workItem struct {
	volumeID string
	priority int64
	index    int
}

type itemHeap []*workItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *itemHeap) Push(x any) {
	item := x.(*workItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// workQueue is the shared priority queue the volume workers pop from. A
// volume id is pending at most once; re-pushing an already queued id only
// raises its priority.
type workQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	pending map[string]*workItem
	closed  bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{pending: make(map[string]*workItem)}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Push enqueues volumeID at the given priority (deduplicated).
func (q *workQueue) Push(volumeID string, priority int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if item, ok := q.pending[volumeID]; ok {
		if priority < item.priority {
			item.priority = priority
			heap.Fix(&q.items, item.index)
		}

		return
	}

	item := &workItem{volumeID: volumeID, priority: priority}
	q.pending[volumeID] = item
	heap.Push(&q.items, item)
	q.cond.Signal()
}

// Pop blocks until an item is available or the queue is closed; ok is false
// on close.
func (q *workQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return "", false
	}

	item := heap.Pop(&q.items).(*workItem)
	delete(q.pending, item.volumeID)

	return item.volumeID, true
}

func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
