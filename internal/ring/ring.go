// Package ring provides a fixed-capacity FIFO that overwrites its oldest
// element when full. It is not safe for concurrent use.
package ring

// Buffer holds at most Cap() items.
type Buffer[T any] struct {
	items []T
	start int
	n     int
}

// New returns an empty buffer with room for size items (at least one).
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{items: make([]T, size)}
}

// Push appends v, evicting the oldest item when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	if b.n < len(b.items) {
		b.items[(b.start+b.n)%len(b.items)] = v
		b.n++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

func (b *Buffer[T]) Len() int { return b.n }
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Items returns the contents oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Last returns up to k most recent items, oldest first.
func (b *Buffer[T]) Last(k int) []T {
	all := b.Items()
	if k >= 0 && k < len(all) {
		return all[len(all)-k:]
	}
	return all
}

// Retain drops every item for which keep returns false, preserving order.
func (b *Buffer[T]) Retain(keep func(T) bool) {
	all := b.Items()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start, b.n = 0, 0
	for _, v := range all {
		if keep(v) {
			b.Push(v)
		}
	}
}
