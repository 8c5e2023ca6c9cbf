package writer

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
	"github.com/rs/zerolog"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// queue depth of roughly two seconds at 30 fps
	containerQueueDepth = 64
)

// FinishResult is delivered to the Finish completion callback: either a
// finished artifact or a typed failure.
type FinishResult struct {
	Artifact media.OutputArtifact
	Err      error
}

// ContainerWriter muxes composited video frames and audio chunks into a
// single fragmented-MP4 file. Appends never block the caller: samples are
// handed to the writer's internal queue goroutine and dropped when the
// queue is full.
type ContainerWriter struct {
	log  zerolog.Logger
	path string
	frag *fragmentWriter

	video *trackState
	audio *trackState
	vset  VideoSettings
	aset  AudioSettings

	queue    chan containerRequest
	finishCh chan func(FinishResult)

	mu           sync.Mutex
	started      bool
	anchor       time.Time
	finished     bool
	droppedVideo uint64
	droppedAudio uint64
}

type containerRequest struct {
	frame *media.CompositedFrame
	chunk *media.AudioChunk
	pts   time.Duration
}

// OpenContainer creates the output file, writes the init segment for an
// M-JPEG video track plus an LPCM audio track, and starts the writer's
// queue goroutine. Failures are returned synchronously, wrapped in
// ErrOpenFailed.
func OpenContainer(path string, vset VideoSettings, aset AudioSettings, partDuration time.Duration) (*ContainerWriter, error) {
	vset = vset.withDefaults()

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	video := &trackState{id: videoTrackID, timescale: videoTimescale}
	audio := &trackState{id: audioTrackID, timescale: uint32(aset.SampleRate)}

	w := &ContainerWriter{
		log:      logger.WithComponent("container-writer").With().Str("path", path).Logger(),
		path:     path,
		frag:     newFragmentWriter(f, []*trackState{video, audio}, partDuration),
		video:    video,
		audio:    audio,
		vset:     vset,
		aset:     aset,
		queue:    make(chan containerRequest, containerQueueDepth),
		finishCh: make(chan func(FinishResult), 1),
	}

	err = w.frag.writeInit([]*fmp4.InitTrack{
		{
			ID:        videoTrackID,
			TimeScale: videoTimescale,
			Codec: &fmp4.CodecMJPEG{
				Width:  vset.Width,
				Height: vset.Height,
			},
		},
		{
			ID:        audioTrackID,
			TimeScale: uint32(aset.SampleRate),
			Codec: &fmp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   aset.SampleRate,
				ChannelCount: aset.Channels,
			},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	go w.run()

	w.log.Info().
		Int("width", vset.Width).
		Int("height", vset.Height).
		Int("sample_rate", aset.SampleRate).
		Msg("Container writer opened")
	return w, nil
}

// Path returns the output file path
func (w *ContainerWriter) Path() string {
	return w.path
}

// Start anchors presentation time zero at the given capture instant,
// normally the capture time of the first composited frame. Subsequent calls
// are ignored.
func (w *ContainerWriter) Start(anchor time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.anchor = anchor
	w.log.Debug().Time("anchor", anchor).Msg("Muxing session started")
}

// AppendVideo hands a composited frame to the writer. It never blocks: if
// the writer is not started, already finished, or backed up, the frame is
// silently dropped and its buffer released.
func (w *ContainerWriter) AppendVideo(frame media.CompositedFrame) {
	w.mu.Lock()
	ready := w.started && !w.finished
	anchor := w.anchor
	w.mu.Unlock()

	if !ready {
		frame.Free()
		return
	}

	pts := frame.CapturedAt.Sub(anchor)
	if pts < 0 {
		frame.Free()
		return
	}

	f := frame
	select {
	case w.queue <- containerRequest{frame: &f, pts: pts}:
	default:
		w.mu.Lock()
		w.droppedVideo++
		w.mu.Unlock()
		frame.Free()
	}
}

// AppendAudio hands an audio chunk to the writer with the same backpressure
// semantics as AppendVideo. Chunks captured before the recording anchor are
// discarded.
func (w *ContainerWriter) AppendAudio(chunk media.AudioChunk) {
	w.mu.Lock()
	ready := w.started && !w.finished
	anchor := w.anchor
	w.mu.Unlock()

	if !ready {
		return
	}

	pts := chunk.CapturedAt.Sub(anchor)
	if pts < 0 {
		return
	}

	c := chunk
	select {
	case w.queue <- containerRequest{chunk: &c, pts: pts}:
	default:
		w.mu.Lock()
		w.droppedAudio++
		w.mu.Unlock()
	}
}

// Dropped returns the number of video frames and audio chunks dropped under
// backpressure.
func (w *ContainerWriter) Dropped() (video, audio uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.droppedVideo, w.droppedAudio
}

// Finish drains the queue, finalizes the container, and reports the result
// through completion. It must be called at most once per session; further
// calls are no-ops. Appends arriving after Finish are dropped.
func (w *ContainerWriter) Finish(completion func(FinishResult)) {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		w.log.Warn().Msg("Finish called on finished writer, ignoring")
		return
	}
	w.finished = true
	w.mu.Unlock()

	w.finishCh <- completion
}

// run is the writer's internal queue goroutine: it encodes, muxes, and
// flushes parts until Finish is requested.
func (w *ContainerWriter) run() {
	for {
		select {
		case req := <-w.queue:
			w.handle(req)
		case completion := <-w.finishCh:
			// Drain appends that were queued before the finish request
			for {
				select {
				case req := <-w.queue:
					w.handle(req)
					continue
				default:
				}
				break
			}
			w.finalize(completion)
			return
		}
	}
}

func (w *ContainerWriter) handle(req containerRequest) {
	switch {
	case req.frame != nil:
		payload, err := encodeJPEG(req.frame.Image, w.vset.JPEGQuality)
		req.frame.Free()
		if err != nil {
			w.log.Warn().Err(err).Msg("Frame encode failed, dropping")
			return
		}
		dts := toTimescale(req.pts, videoTimescale)
		if !w.video.appendDeferred(dts, payload) {
			w.log.Debug().Int64("dts", dts).Msg("Non-monotonic video timestamp, dropping")
			return
		}
	case req.chunk != nil:
		dts := toTimescale(req.pts, w.audio.timescale)
		duration := uint32(req.chunk.SampleCount())
		if !w.audio.appendKnown(dts, duration, req.chunk.Samples) {
			w.log.Debug().Int64("dts", dts).Msg("Non-monotonic audio timestamp, dropping")
			return
		}
	default:
		return
	}

	if err := w.frag.maybeFlush(); err != nil {
		w.log.Error().Err(err).Msg("Part flush failed")
	}
}

func (w *ContainerWriter) finalize(completion func(FinishResult)) {
	w.video.flushPending(uint32(videoTimescale / w.vset.FPS))

	size, err := w.frag.finalize()
	if err != nil {
		w.log.Error().Err(err).Msg("Container finalize failed, partial file left in place")
		if completion != nil {
			completion(FinishResult{Err: fmt.Errorf("%w: %v", ErrFinishFailed, err)})
		}
		return
	}

	w.log.Info().Int64("size", size).Msg("Container writer finished")
	if completion != nil {
		completion(FinishResult{Artifact: media.OutputArtifact{Path: w.path, Size: size}})
	}
}

// encodeJPEG encodes an RGBA frame for the M-JPEG track
func encodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
