// Package events provides the lifecycle event fan-out for the capture
// pipeline. Instead of a single delegate, any number of listeners subscribe
// to a Bus and receive tagged events; publishing never blocks the pipeline,
// slow listeners simply miss events.
package events

import (
	"sync"
	"time"
)

// Kind tags an event with its lifecycle meaning
type Kind string

const (
	KindSetupFinished    Kind = "setup_finished"
	KindRecordingStarted Kind = "recording_started"
	KindRecordingStopped Kind = "recording_stopped"
	KindQualityChanged   Kind = "quality_changed"
	KindError            Kind = "error"
)

// Event is one lifecycle notification
type Event struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message,omitempty"`
	Quality float64   `json:"quality,omitempty"`
	At      time.Time `json:"at"`
}

// Bus fans events out to all current subscribers
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer and returns
// the event channel plus a cancel function. The channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking; events
// are dropped per-subscriber when a listener's buffer is full.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
