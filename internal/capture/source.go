// Package capture owns the capture session lifecycle: it wires camera and
// microphone sources into the synchronizer, compositor, and writers, and
// exposes the start/stop/configure state machine to the outside.
package capture

import (
	"github.com/pairstream/pairstream/internal/media"
)

// FrameFunc receives one camera frame. Implementations must not block for
// longer than it takes to enqueue a handle; heavy work happens elsewhere.
type FrameFunc func(media.StreamFrame)

// AudioFunc receives one audio chunk under the same non-blocking contract
type AudioFunc func(media.AudioChunk)

// VideoSource is one camera stream. Start is called once per Configure and
// may block briefly while the source spins up; after that, frames arrive on
// the source's own delivery goroutine/thread.
type VideoSource interface {
	ID() media.StreamID
	Start(emit FrameFunc) error
	Stop() error
}

// AudioSource is the microphone stream
type AudioSource interface {
	Start(emit AudioFunc) error
	Stop() error
}
