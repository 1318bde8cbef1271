package buffer

import (
	"sync"

	"github.com/c360/semflow/errors"
)

// circularBuffer is a thread-safe ring with a fixed capacity.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write adds an item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	var (
		dropped    T
		hasDropped bool
	)

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Drop()
		if cb.metrics != nil {
			cb.metrics.recordDrop()
		}

		if cb.opts.overflowPolicy == DropNewest {
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		}

		dropped, hasDropped = cb.items[cb.tail], true
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.mu.Unlock()

	// Callbacks run outside the lock so they may touch the buffer.
	if hasDropped && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

// Read removes and returns the oldest item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	return item, true
}

// ReadBatch removes and returns up to max items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	return result
}

// Peek returns the oldest item without removing it.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Snapshot copies the held items, oldest first.
func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]T, cb.size)
	for i := 0; i < cb.size; i++ {
		out[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	return out
}

// Size returns the current number of items.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Clear removes all items without invoking the drop callback.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	clear(cb.items)
	cb.head, cb.tail, cb.size = 0, 0, 0

	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close rejects further writes. Held items stay readable.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
