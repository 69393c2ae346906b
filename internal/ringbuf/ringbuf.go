// Package ringbuf provides a fixed-capacity, timestamp-ordered sample buffer.
//
// Every analyzer owns its buffers exclusively. Buffers are not safe for
// concurrent use; the owning analyzer serializes access.
package ringbuf

import (
	"errors"
	"time"
)

// Standard capacities used by the analyzers.
const (
	MotionCapacity = 20
	BlinkCapacity  = 20
	EdgeCapacity   = 30
	ColorCapacity  = 30
	RppgCapacity   = 256
)

var ErrInvalidCapacity = errors.New("ringbuf: capacity must be positive")

// Sample is a single timestamped value.
type Sample[T any] struct {
	At    time.Time
	Value T
}

// Buffer is a bounded ring of samples. Pushing into a full buffer evicts
// the oldest sample.
type Buffer[T any] struct {
	items []Sample[T]
	head  int // index of the oldest sample
	size  int
	stale int
}

// New creates a buffer holding at most capacity samples.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{items: make([]Sample[T], capacity)}, nil
}

// MustNew is like New but panics on an invalid capacity.
func MustNew[T any](capacity int) *Buffer[T] {
	b, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return b
}

// Push appends a sample, evicting the oldest when full. It reports whether
// a sample was evicted. A sample older than the newest one held is
// discarded, so the buffer stays in timestamp order; equal timestamps are
// kept in arrival order.
func (b *Buffer[T]) Push(at time.Time, v T) bool {
	if b.size > 0 && at.Before(b.At(b.size-1).At) {
		b.stale++
		return false
	}
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = Sample[T]{At: at, Value: v}
		b.size++
		return false
	}
	b.items[b.head] = Sample[T]{At: at, Value: v}
	b.head = (b.head + 1) % capacity
	return true
}

// Len returns the number of samples held.
func (b *Buffer[T]) Len() int { return b.size }

// Stale returns how many out-of-order samples Push has discarded since
// the last Reset.
func (b *Buffer[T]) Stale() int { return b.stale }

// Cap returns the declared capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Full reports whether the buffer is at capacity.
func (b *Buffer[T]) Full() bool { return b.size == len(b.items) }

// At returns the i-th sample, oldest first. It panics if i is out of range.
func (b *Buffer[T]) At(i int) Sample[T] {
	if i < 0 || i >= b.size {
		panic("ringbuf: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Oldest returns the oldest sample.
func (b *Buffer[T]) Oldest() (Sample[T], bool) {
	if b.size == 0 {
		return Sample[T]{}, false
	}
	return b.At(0), true
}

// Newest returns the most recently pushed sample.
func (b *Buffer[T]) Newest() (Sample[T], bool) {
	if b.size == 0 {
		return Sample[T]{}, false
	}
	return b.At(b.size - 1), true
}

// Samples copies the held samples, oldest first.
func (b *Buffer[T]) Samples() []Sample[T] {
	out := make([]Sample[T], b.size)
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

// Values copies the held values, oldest first.
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i).Value
	}
	return out
}

// Last returns up to n of the newest values, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := b.size - n
	for i := range out {
		out[i] = b.At(start + i).Value
	}
	return out
}

// Span returns the time between the oldest and newest samples.
func (b *Buffer[T]) Span() time.Duration {
	if b.size < 2 {
		return 0
	}
	return b.At(b.size-1).At.Sub(b.At(0).At)
}

// Reset drops every sample. The backing array is zeroed so no value from
// a previous session stays reachable.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.head = 0
	b.size = 0
	b.stale = 0
}
