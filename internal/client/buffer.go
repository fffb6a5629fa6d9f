package client

import (
	"sync"

	"github.com/yourorg/conduit/pkg/types"
)

// DefaultBufferCapacity bounds the offline buffer when no capacity is
// configured.
const DefaultBufferCapacity = 100

// Buffer is a bounded FIFO of undelivered events. When full, pushing a new
// event evicts the oldest one.
type Buffer struct {
	mu    sync.Mutex
	items []types.Event
	cap   int
}

// NewBuffer builds a buffer with the given capacity (DefaultBufferCapacity
// when non-positive).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{cap: capacity}
}

// Push appends ev, evicting the oldest entry past capacity.
func (b *Buffer) Push(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.cap {
		b.items = b.items[1:]
	}
	b.items = append(b.items, ev)
}

// Flush returns the buffered events in original order and clears the
// buffer.
func (b *Buffer) Flush() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.cap }
