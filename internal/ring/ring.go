package ring

// Buffer is a fixed-capacity circular buffer. Pushing into a full buffer
// overwrites the oldest item.
//
// Buffer is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	buf      []T
	head     int // position of the oldest item
	count    int
	capacity int

	// Stats
	totalPushed int64
	evicted     int64
}

// New creates a buffer holding at most capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest one when full.
// Returns true if an item was evicted.
func (b *Buffer[T]) Push(item T) bool {
	b.totalPushed++

	if b.count < b.capacity {
		b.buf[(b.head+b.count)%b.capacity] = item
		b.count++
		return false
	}

	// Full: overwrite oldest and advance head
	b.buf[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.evicted++
	return true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(b.head+i)%b.capacity]
	}
	return out
}

// Last returns the newest item.
func (b *Buffer[T]) Last() (T, bool) {
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.buf[(b.head+b.count-1)%b.capacity], true
}

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int {
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Clear drops all items and resets the stats.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.buf {
		b.buf[i] = zero // Clear references for GC
	}
	b.head = 0
	b.count = 0
	b.totalPushed = 0
	b.evicted = 0
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Count:       b.count,
		Capacity:    b.capacity,
		TotalPushed: b.totalPushed,
		Evicted:     b.evicted,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count       int
	Capacity    int
	TotalPushed int64
	Evicted     int64
}
