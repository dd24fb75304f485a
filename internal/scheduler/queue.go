package scheduler

import (
	"container/heap"
	"time"
)

// entry is the queue's view of a task: ordered by priority descending, then
// submission sequence ascending for FIFO fairness within a priority level.
// notBefore defers re-admission after a retry backoff.
type entry struct {
	id        string
	priority  int
	seq       uint64
	notBefore time.Time
}

// entryHeap is a max-heap over entries. Entries for tasks that are no longer
// Queued are removed lazily at pop time by the scheduler.
type entryHeap struct {
	items []entry
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *entryHeap) Push(x any) { h.items = append(h.items, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	h.items = old[:n-1]
	return e
}

func (h *entryHeap) push(e entry) { heap.Push(h, e) }

func (h *entryHeap) pop() entry { return heap.Pop(h).(entry) }
