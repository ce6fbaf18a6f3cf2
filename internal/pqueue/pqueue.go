// Package pqueue is a max-priority heap with FIFO tie-breaking by sequence.
package pqueue

import "container/heap"

// Item is one heap entry. Higher Priority pops first; within a priority the
// lower Seq pops first.
type Item struct {
	ID       string
	Priority int
	Seq      uint64
}

type items []Item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items) Push(x any)   { *h = append(*h, x.(Item)) }
func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is not safe for concurrent use.
type Queue struct {
	h items
}

func New() *Queue { return &Queue{} }

func (q *Queue) Push(it Item) { heap.Push(&q.h, it) }

// Pop removes and returns the head.
func (q *Queue) Pop() (Item, bool) {
	if len(q.h) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.h).(Item), true
}

func (q *Queue) Len() int { return len(q.h) }

// Compact drops every entry for which live returns false.
func (q *Queue) Compact(live func(Item) bool) {
	kept := q.h[:0]
	for _, it := range q.h {
		if live(it) {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = Item{}
	}
	q.h = kept
	heap.Init(&q.h)
}
