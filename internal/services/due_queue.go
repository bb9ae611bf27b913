package services

import (
	"container/heap"
	"time"
)

// dueEntry is one armed tag in the due queue
type dueEntry struct {
	id    string
	due   time.Time
	index int
}

// dueHeap orders entries by due time, then by ID for a stable batch order
type dueHeap []*dueEntry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	e := x.(*dueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// DueQueue is a min-heap of (next_due, tag_id). Each tag appears at most
// once. It is not safe for concurrent use; the scheduler guards it.
type DueQueue struct {
	heap    dueHeap
	entries map[string]*dueEntry
}

// NewDueQueue creates an empty queue
func NewDueQueue() *DueQueue {
	return &DueQueue{entries: make(map[string]*dueEntry)}
}

// Schedule arms id at due, moving it if it is already queued
func (q *DueQueue) Schedule(id string, due time.Time) {
	if e, ok := q.entries[id]; ok {
		e.due = due
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &dueEntry{id: id, due: due}
	q.entries[id] = e
	heap.Push(&q.heap, e)
}

// Remove disarms id
func (q *DueQueue) Remove(id string) {
	e, ok := q.entries[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.entries, id)
}

// PopDue removes and returns every id due at or before now, earliest first
func (q *DueQueue) PopDue(now time.Time) []string {
	var ids []string
	for q.heap.Len() > 0 && !q.heap[0].due.After(now) {
		e := heap.Pop(&q.heap).(*dueEntry)
		delete(q.entries, e.id)
		ids = append(ids, e.id)
	}
	return ids
}

// DueAt returns when id is armed
func (q *DueQueue) DueAt(id string) (time.Time, bool) {
	e, ok := q.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of armed tags
func (q *DueQueue) Len() int {
	return q.heap.Len()
}
