package writer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
	"github.com/rs/zerolog"
)

// RawStreamWriter writes one camera's native frames directly to its own
// file, bypassing synchronization and composition. It anchors presentation
// time zero at its first appended frame and shares the container writer's
// non-blocking append semantics.
type RawStreamWriter struct {
	log    zerolog.Logger
	path   string
	stream media.StreamID
	frag   *fragmentWriter
	video  *trackState
	vset   VideoSettings

	queue    chan rawRequest
	finishCh chan func(FinishResult)

	mu       sync.Mutex
	anchor   time.Time
	anchored bool
	finished bool
	dropped  uint64
}

type rawRequest struct {
	frame media.StreamFrame
	pts   time.Duration
}

// OpenRaw creates the output file for one camera stream and starts its
// queue goroutine. Failures are returned synchronously, wrapped in
// ErrOpenFailed.
func OpenRaw(path string, stream media.StreamID, vset VideoSettings, partDuration time.Duration) (*RawStreamWriter, error) {
	vset = vset.withDefaults()

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	video := &trackState{id: videoTrackID, timescale: videoTimescale}

	w := &RawStreamWriter{
		log: logger.WithComponent("raw-writer").With().
			Str("stream", string(stream)).
			Str("path", path).
			Logger(),
		path:     path,
		stream:   stream,
		frag:     newFragmentWriter(f, []*trackState{video}, partDuration),
		video:    video,
		vset:     vset,
		queue:    make(chan rawRequest, containerQueueDepth),
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
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	go w.run()

	w.log.Info().Msg("Raw stream writer opened")
	return w, nil
}

// Path returns the output file path
func (w *RawStreamWriter) Path() string {
	return w.path
}

// Append hands a camera frame to the writer; never blocks, drops under
// backpressure or after Finish. The first frame anchors presentation time
// zero for this file.
func (w *RawStreamWriter) Append(frame media.StreamFrame) {
	if frame.Stream != w.stream {
		return
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	if !w.anchored {
		w.anchor = frame.CapturedAt
		w.anchored = true
	}
	anchor := w.anchor
	w.mu.Unlock()

	pts := frame.CapturedAt.Sub(anchor)
	if pts < 0 {
		return
	}

	select {
	case w.queue <- rawRequest{frame: frame, pts: pts}:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// Dropped returns the number of frames dropped under backpressure
func (w *RawStreamWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Finish drains the queue, finalizes the file, and reports the result
// through completion. Safe to call at most once; further calls are no-ops.
func (w *RawStreamWriter) Finish(completion func(FinishResult)) {
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

func (w *RawStreamWriter) run() {
	for {
		select {
		case req := <-w.queue:
			w.handle(req)
		case completion := <-w.finishCh:
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

func (w *RawStreamWriter) handle(req rawRequest) {
	payload, err := encodeJPEG(req.frame.Image, w.vset.JPEGQuality)
	if err != nil {
		w.log.Warn().Err(err).Msg("Frame encode failed, dropping")
		return
	}

	dts := toTimescale(req.pts, videoTimescale)
	if !w.video.appendDeferred(dts, payload) {
		w.log.Debug().Int64("dts", dts).Msg("Non-monotonic timestamp, dropping")
		return
	}

	if err := w.frag.maybeFlush(); err != nil {
		w.log.Error().Err(err).Msg("Part flush failed")
	}
}

func (w *RawStreamWriter) finalize(completion func(FinishResult)) {
	w.video.flushPending(uint32(videoTimescale / w.vset.FPS))

	size, err := w.frag.finalize()
	if err != nil {
		w.log.Error().Err(err).Msg("Raw finalize failed, partial file left in place")
		if completion != nil {
			completion(FinishResult{Err: fmt.Errorf("%w: %v", ErrFinishFailed, err)})
		}
		return
	}

	w.log.Info().Int64("size", size).Msg("Raw stream writer finished")
	if completion != nil {
		completion(FinishResult{Artifact: media.OutputArtifact{Path: w.path, Size: size}})
	}
}
