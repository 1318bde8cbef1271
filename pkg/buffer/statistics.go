package buffer

import (
	"sync"
	"sync/atomic"
)

// Statistics tracks buffer activity.
type Statistics struct {
	writes atomic.Int64
	reads  atomic.Int64
	drops  atomic.Int64

	mu          sync.RWMutex
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a write.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records a read.
func (s *Statistics) Read() { s.reads.Add(1) }

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of reads.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the current number of items.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the largest size observed.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// StatsSummary is a point-in-time copy of the statistics.
type StatsSummary struct {
	Writes      int64 `json:"writes"`
	Reads       int64 `json:"reads"`
	Drops       int64 `json:"drops"`
	CurrentSize int64 `json:"current_size"`
	MaxSize     int64 `json:"max_size"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
	}
}
