// Package media defines the frame, pair, and audio value types that flow
// through the capture pipeline, plus the artifacts produced by the writers.
package media

import (
	"image"
	"time"
)

// StreamID identifies which camera a frame came from
type StreamID string

const (
	StreamFront StreamID = "front"
	StreamBack  StreamID = "back"
)

// StreamFrame is one decoded image from one camera stream.
// Produced by a capture callback, owned by the frame synchronizer until
// paired or dropped.
type StreamFrame struct {
	Stream     StreamID
	Image      *image.RGBA
	CapturedAt time.Time
	Sequence   uint64
}

// FramePair is one front frame and one back frame considered the "same
// instant" for composition purposes. Created by the synchronizer, consumed
// exactly once by the compositor.
type FramePair struct {
	Front StreamFrame
	Back  StreamFrame
}

// CapturedAt returns the instant at which both halves of the pair were
// available, i.e. the later of the two capture timestamps. Because each
// stream's timestamps increase and pairs are consumed in order, this value
// is monotonic across consecutive pairs.
func (p FramePair) CapturedAt() time.Time {
	if p.Back.CapturedAt.After(p.Front.CapturedAt) {
		return p.Back.CapturedAt
	}
	return p.Front.CapturedAt
}

// CompositedFrame is the output of the compositor: a single rendered image
// plus the capture instant it represents. Release returns the underlying
// buffer to the pixel buffer pool and must be called exactly once by the
// final consumer; it is safe to call on the zero value.
type CompositedFrame struct {
	Image      *image.RGBA
	CapturedAt time.Time
	Release    func()
}

// Free releases the frame's buffer back to its pool, if any.
func (f *CompositedFrame) Free() {
	if f.Release != nil {
		f.Release()
		f.Release = nil
	}
}

// AudioChunk is a block of interleaved signed 16-bit little-endian PCM
// samples delivered by the audio capture callback.
type AudioChunk struct {
	Samples    []byte
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// SampleCount returns the number of PCM frames in the chunk.
func (c AudioChunk) SampleCount() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / 2 / c.Channels
}

// Duration returns the playback duration of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.SampleCount()) * time.Second / time.Duration(c.SampleRate)
}

// OutputArtifact is a finished output file: one per raw stream writer and
// one for the combined container writer.
type OutputArtifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}
