// Package pipeline distributes decoded readings to every subscribed sink
// without letting a slow consumer stall the producer or its peers.
package pipeline

import (
	"sync"

	"github.com/mfreitag/thermolog/internal/device"
)

// DefaultSinkCapacity buffers several seconds of streaming at the maximum
// channel count before a sink starts shedding its oldest entries.
const DefaultSinkCapacity = 256

// Sink is one subscriber's bounded buffer. Single producer (the pipeline),
// single consumer (the subscriber's goroutine).
type Sink struct {
	ch      chan device.Reading
	p       *Pipeline
	dropped uint64 // producer-side only, read via Dropped after detach
	mu      sync.Mutex
}

// Readings is the receive side of the sink's buffer.
func (s *Sink) Readings() <-chan device.Reading { return s.ch }

// Dropped reports how many readings this sink has shed so far.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the sink and closes its channel.
func (s *Sink) Unsubscribe() {
	s.p.remove(s)
}

// Pipeline is the fan-out point between the session's decoded readings and
// the sinks. Publish never blocks: a full sink drops its own oldest entry
// and no other sink is affected.
type Pipeline struct {
	mu       sync.Mutex
	sinks    map[*Sink]struct{}
	capacity int
}

// New creates a pipeline whose sinks buffer capacity readings each.
func New(capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	return &Pipeline{
		sinks:    make(map[*Sink]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new sink.
func (p *Pipeline) Subscribe() *Sink {
	s := &Sink{ch: make(chan device.Reading, p.capacity), p: p}
	p.mu.Lock()
	p.sinks[s] = struct{}{}
	p.mu.Unlock()
	return s
}

func (p *Pipeline) remove(s *Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sinks[s]; ok {
		delete(p.sinks, s)
		close(s.ch)
	}
}

// Publish delivers r to every sink, evicting the oldest buffered reading of
// any sink that is full (FIFO eviction, per sink).
func (p *Pipeline) Publish(r device.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.sinks {
		select {
		case s.ch <- r:
			continue
		default:
		}
		// Full: shed the oldest, then retry once. The consumer may have
		// drained concurrently, so the second send can still succeed
		// without an eviction.
		select {
		case <-s.ch:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
		select {
		case s.ch <- r:
		default:
		}
	}
}

// SinkCount reports the number of attached sinks.
func (p *Pipeline) SinkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sinks)
}
