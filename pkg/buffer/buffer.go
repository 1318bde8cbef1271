// Package buffer provides a generic, thread-safe bounded ring buffer.
//
// The buffer never blocks a writer: when it is full the configured overflow
// policy either evicts the oldest item or discards the new one. Statistics
// are always collected; Prometheus metrics are optional via WithMetrics.
package buffer

// Buffer is a bounded, non-blocking FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the overflow policy
	// decides which item is dropped; Write itself never blocks.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Snapshot returns a copy of the held items, oldest first, without
	// removing them.
	Snapshot() []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the new item when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item lost to the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer with the given capacity.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
