// Package pairing matches frames from the two camera streams into pairs for
// composition. The two capture callbacks run on independent hardware
// threads; a single mutex serializes them through the synchronizer.
package pairing

import (
	"sync"

	"github.com/pairstream/pairstream/internal/media"
)

// Synchronizer holds at most one pending frame per stream and emits a
// FramePair as soon as both slots are occupied. A newer frame from the same
// stream overwrites an unconsumed older one, so latency stays bounded at the
// cost of dropped frames — deliberate for a live composited recording.
type Synchronizer struct {
	mu    sync.Mutex
	front *media.StreamFrame
	back  *media.StreamFrame

	// emit must not block; it runs under the synchronizer lock so that
	// pairs are dispatched in formation order.
	emit func(media.FramePair)

	paired      uint64
	overwritten uint64
}

// New creates a synchronizer dispatching pairs through emit. The callback
// must not block; typically it performs a non-blocking channel send.
func New(emit func(media.FramePair)) *Synchronizer {
	return &Synchronizer{emit: emit}
}

// Push stores the frame in its stream's slot, overwriting any unconsumed
// previous frame. When both slots are occupied the pair is taken atomically,
// both slots are cleared, and the pair is dispatched. Frames from unknown
// streams are ignored.
func (s *Synchronizer) Push(frame media.StreamFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch frame.Stream {
	case media.StreamFront:
		if s.front != nil {
			s.overwritten++
		}
		f := frame
		s.front = &f
	case media.StreamBack:
		if s.back != nil {
			s.overwritten++
		}
		f := frame
		s.back = &f
	default:
		return
	}

	if s.front == nil || s.back == nil {
		return
	}

	pair := media.FramePair{Front: *s.front, Back: *s.back}
	s.front = nil
	s.back = nil
	s.paired++

	if s.emit != nil {
		s.emit(pair)
	}
}

// Reset clears both slots, discarding any pending frames
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.front = nil
	s.back = nil
	s.mu.Unlock()
}

// Stats returns the number of pairs emitted and frames overwritten before
// they could be paired.
func (s *Synchronizer) Stats() (paired, overwritten uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired, s.overwritten
}
