// Package plot retains the most recent readings for the live display.
package plot

import (
	"sync"

	"github.com/mfreitag/thermolog/internal/device"
)

// DefaultCapacity keeps roughly eight minutes of history at a 1-second rate.
const DefaultCapacity = 500

// Buffer is a fixed-capacity ring of the most recent readings. Append past
// capacity evicts the oldest entry. Snapshot is safe to call concurrently
// with Append and returns a copy, never a live alias.
type Buffer struct {
	mu    sync.Mutex
	ring  []device.Reading
	head  int // index of the oldest entry
	count int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ring: make([]device.Reading, capacity)}
}

// Append stores r, evicting the oldest reading when full.
func (b *Buffer) Append(r device.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < len(b.ring) {
		b.ring[(b.head+b.count)%len(b.ring)] = r
		b.count++
		return
	}
	b.ring[b.head] = r
	b.head = (b.head + 1) % len(b.ring)
}

// Snapshot returns the buffered readings oldest-first.
func (b *Buffer) Snapshot() []device.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]device.Reading, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Clear resets the buffer to empty.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.count = 0, 0
}

// Len reports how many readings are buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
