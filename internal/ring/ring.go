// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

// Package ring provides a fixed-capacity circular buffer that keeps the most
// recent entries. It backs the ingestion audit log and the security event
// replay cache.
package ring

import "sync"

// Buffer is a concurrency-safe circular buffer. Once capacity is reached,
// each append overwrites the oldest entry.
//
// Complexity:
//   - Append: O(1)
//   - Snapshot: O(n)
//   - Memory: O(capacity)
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next write position
	size  int
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Len returns the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Snapshot returns the stored entries in insertion order, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, b.size)
	start := b.head - b.size
	if start < 0 {
		start += len(b.items)
	}
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%len(b.items)])
	}
	return out
}

// Last returns up to n newest entries, oldest of them first.
func (b *Buffer[T]) Last(n int) []T {
	all := b.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
