// Package writer muxes composited video and audio into fragmented MP4
// output files, and writes raw per-camera streams to their own files. All
// appends are non-blocking; under backpressure frames are dropped, never
// queued without bound.
package writer

import (
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

const (
	videoTimescale = 90000
)

// VideoSettings describes the video track of an output file
type VideoSettings struct {
	Width       int
	Height      int
	FPS         int
	JPEGQuality int
}

func (s VideoSettings) withDefaults() VideoSettings {
	if s.FPS <= 0 {
		s.FPS = 30
	}
	if s.JPEGQuality <= 0 {
		s.JPEGQuality = 90
	}
	return s
}

// AudioSettings describes the audio track of an output file
type AudioSettings struct {
	SampleRate int
	Channels   int
}

// trackState accumulates the samples of one track for the current part.
// Video sample durations are not known until the next sample arrives, so
// one sample stays pending; audio durations are known immediately.
type trackState struct {
	id        int
	timescale uint32

	hasPending     bool
	pendingDTS     int64
	pendingPayload []byte

	hasLast bool
	lastDTS int64

	baseDTS int64
	samples []*fmp4.PartSample

	dropped uint64
}

// appendDeferred queues a sample whose duration is derived from the next
// sample's timestamp. Non-monotonic timestamps are dropped.
func (t *trackState) appendDeferred(dts int64, payload []byte) bool {
	if t.hasLast && dts <= t.lastDTS {
		t.dropped++
		return false
	}
	if t.hasPending {
		t.queue(t.pendingDTS, uint32(dts-t.pendingDTS), t.pendingPayload)
	}
	t.pendingDTS = dts
	t.pendingPayload = payload
	t.hasPending = true
	t.lastDTS = dts
	t.hasLast = true
	return true
}

// appendKnown queues a sample with an already-known duration
func (t *trackState) appendKnown(dts int64, duration uint32, payload []byte) bool {
	if t.hasLast && dts < t.lastDTS {
		t.dropped++
		return false
	}
	t.queue(dts, duration, payload)
	t.lastDTS = dts
	t.hasLast = true
	return true
}

func (t *trackState) queue(dts int64, duration uint32, payload []byte) {
	if len(t.samples) == 0 {
		t.baseDTS = dts
	}
	t.samples = append(t.samples, &fmp4.PartSample{
		Duration: duration,
		Payload:  payload,
	})
}

// flushPending converts the held-back sample into a real one using the
// nominal duration; called once at finalize time.
func (t *trackState) flushPending(defaultDuration uint32) {
	if !t.hasPending {
		return
	}
	t.queue(t.pendingDTS, defaultDuration, t.pendingPayload)
	t.hasPending = false
	t.pendingPayload = nil
}

// span returns the timescale units covered by the queued plus pending
// samples of the current part.
func (t *trackState) span() int64 {
	if len(t.samples) == 0 && !t.hasPending {
		return 0
	}
	return t.lastDTS - t.baseDTSOrPending()
}

func (t *trackState) baseDTSOrPending() int64 {
	if len(t.samples) > 0 {
		return t.baseDTS
	}
	return t.pendingDTS
}

// fragmentWriter owns one output file and writes an fMP4 init segment
// followed by parts flushed on a fixed cadence. It is driven by a single
// writer goroutine and is not safe for concurrent use.
type fragmentWriter struct {
	f       *os.File
	tracks  []*trackState
	primary *trackState
	seq     uint32
	// partUnits is the part duration in the primary track's timescale
	partUnits int64
	buf       seekablebuffer.Buffer
}

func newFragmentWriter(f *os.File, tracks []*trackState, partDuration time.Duration) *fragmentWriter {
	primary := tracks[0]
	if partDuration <= 0 {
		partDuration = time.Second
	}
	return &fragmentWriter{
		f:         f,
		tracks:    tracks,
		primary:   primary,
		partUnits: toTimescale(partDuration, primary.timescale),
	}
}

// writeInit writes the ftyp/moov init segment
func (w *fragmentWriter) writeInit(tracks []*fmp4.InitTrack) error {
	init := fmp4.Init{Tracks: tracks}
	w.buf.Reset()
	if err := init.Marshal(&w.buf); err != nil {
		return fmt.Errorf("marshal init segment: %w", err)
	}
	if _, err := w.f.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	return nil
}

// maybeFlush writes a part once the primary track has accumulated a full
// part duration.
func (w *fragmentWriter) maybeFlush() error {
	if w.primary.span() < w.partUnits {
		return nil
	}
	return w.flushPart()
}

// flushPart writes all queued samples of all tracks as one moof/mdat part
func (w *fragmentWriter) flushPart() error {
	var partTracks []*fmp4.PartTrack
	for _, t := range w.tracks {
		if len(t.samples) == 0 {
			continue
		}
		partTracks = append(partTracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.baseDTS),
			Samples:  t.samples,
		})
		t.samples = nil
	}
	if len(partTracks) == 0 {
		return nil
	}

	part := fmp4.Part{
		SequenceNumber: w.seq,
		Tracks:         partTracks,
	}
	w.seq++

	w.buf.Reset()
	if err := part.Marshal(&w.buf); err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	if _, err := w.f.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}

// finalize flushes everything, syncs, and closes the file, returning its
// size. The file is left in place even on error.
func (w *fragmentWriter) finalize() (int64, error) {
	if err := w.flushPart(); err != nil {
		w.f.Close()
		return 0, err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return 0, err
	}
	info, err := w.f.Stat()
	if err != nil {
		w.f.Close()
		return 0, err
	}
	if err := w.f.Close(); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// toTimescale converts a duration to integer timescale units
func toTimescale(d time.Duration, timescale uint32) int64 {
	return d.Nanoseconds() * int64(timescale) / int64(time.Second)
}
