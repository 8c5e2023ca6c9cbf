package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairstream/pairstream/internal/compose"
	"github.com/pairstream/pairstream/internal/config"
	"github.com/pairstream/pairstream/internal/events"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
	"github.com/pairstream/pairstream/internal/pairing"
	"github.com/pairstream/pairstream/internal/pool"
	"github.com/pairstream/pairstream/internal/quality"
	"github.com/pairstream/pairstream/internal/writer"
	"github.com/rs/zerolog"
)

// State is the orchestrator's lifecycle state
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateReady       State = "ready"
	StateRecording   State = "recording"
	StateStopping    State = "stopping"
	StateFailed      State = "failed"
)

// OutputMode selects which output files a recording produces
type OutputMode string

const (
	// ModeAll writes the combined container plus both raw streams
	ModeAll OutputMode = "all"
	// ModeCombined writes only the composited container
	ModeCombined OutputMode = "combined"
	// ModeRaw writes only the two raw per-camera files
	ModeRaw OutputMode = "raw"
)

// ParseOutputMode parses an output mode name as used by the CLI and API
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case ModeAll, ModeCombined, ModeRaw:
		return OutputMode(s), nil
	case "":
		return ModeAll, nil
	default:
		return "", fmt.Errorf("unknown output mode: %q", s)
	}
}

// ContainerSink is the orchestrator's view of a combined-output writer
type ContainerSink interface {
	Path() string
	Start(anchor time.Time)
	AppendVideo(media.CompositedFrame)
	AppendAudio(media.AudioChunk)
	Finish(func(writer.FinishResult))
}

// RawSink is the orchestrator's view of a single-stream writer
type RawSink interface {
	Path() string
	Append(media.StreamFrame)
	Finish(func(writer.FinishResult))
}

// WriterFactory opens output writers. The default factory creates real files;
// tests substitute failing or recording fakes.
type WriterFactory interface {
	NewContainer(path string, vset writer.VideoSettings, aset writer.AudioSettings, partDuration time.Duration) (ContainerSink, error)
	NewRaw(path string, stream media.StreamID, vset writer.VideoSettings, partDuration time.Duration) (RawSink, error)
}

type fileWriterFactory struct{}

func (fileWriterFactory) NewContainer(path string, vset writer.VideoSettings, aset writer.AudioSettings, partDuration time.Duration) (ContainerSink, error) {
	return writer.OpenContainer(path, vset, aset, partDuration)
}

func (fileWriterFactory) NewRaw(path string, stream media.StreamID, vset writer.VideoSettings, partDuration time.Duration) (RawSink, error) {
	return writer.OpenRaw(path, stream, vset, partDuration)
}

// Deps are the orchestrator's injectable collaborators
type Deps struct {
	Front VideoSource
	Back  VideoSource
	Audio AudioSource
	Bus   *events.Bus

	// Permissions reports whether capture permission is currently granted.
	// Checked during Configure and re-checked as a StartRecording
	// precondition; nil means always granted.
	Permissions func() error

	// FreeSpace reports available bytes at a path; nil uses the filesystem
	FreeSpace func(path string) (uint64, error)

	// Writers opens output files; nil uses the real file-backed writers
	Writers WriterFactory
}

// WriterFailure records one writer that could not finalize its file
type WriterFailure struct {
	Role string `json:"role"`
	Err  error  `json:"-"`
}

// Outputs collects the artifacts of the most recent finished recording.
// A nil artifact means that output was not part of the recording mode or its
// writer failed; Failures lists the latter.
type Outputs struct {
	Front    *media.OutputArtifact `json:"front,omitempty"`
	Back     *media.OutputArtifact `json:"back,omitempty"`
	Combined *media.OutputArtifact `json:"combined,omitempty"`
	Failures []WriterFailure       `json:"failures,omitempty"`
}

// session holds the writers of one active recording. It is swapped in and
// out of the orchestrator atomically so capture callbacks never take the
// orchestrator's state lock.
type session struct {
	mode      OutputMode
	container ContainerSink
	rawFront  RawSink
	rawBack   RawSink

	// anchored flips once when the first composited frame sets the
	// container's presentation time zero.
	anchored atomic.Bool
}

// Orchestrator owns the capture pipeline: sources feed the synchronizer,
// pairs flow through the compositor on a dedicated goroutine, and samples
// land in the active session's writers. All state transitions go through the
// orchestrator's mutex; the frame path reads the session via an atomic
// pointer instead.
type Orchestrator struct {
	log  zerolog.Logger
	cfg  *config.Config
	deps Deps

	sync       *pairing.Synchronizer
	compositor *compose.Compositor
	quality    *quality.Controller
	monitor    *quality.Monitor
	pool       *pool.Pool

	pairCh chan media.FramePair
	closed chan struct{}

	sess atomic.Pointer[session]

	mu          sync.Mutex
	state       State
	lastOutputs Outputs

	// droppedPairs is bumped on the capture-callback path and must not
	// take the state lock.
	droppedPairs atomic.Uint64

	monitorOn atomic.Bool
	closeOnce sync.Once
}

// New builds the pipeline from configuration. Sources are not started until
// Configure.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Front == nil || deps.Back == nil {
		return nil, fmt.Errorf("both camera sources are required")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.FreeSpace == nil {
		deps.FreeSpace = diskFree
	}
	if deps.Writers == nil {
		deps.Writers = fileWriterFactory{}
	}

	layout, err := compose.ParseLayout(cfg.Video.Layout)
	if err != nil {
		return nil, err
	}
	if layout.Kind == compose.LayoutPictureInPicture && cfg.Video.PiPCorner != "" {
		corner, err := compose.ParseCorner(cfg.Video.PiPCorner)
		if err != nil {
			return nil, err
		}
		layout.Corner = corner
	}
	if cfg.Video.PiPSizeFraction > 0 {
		layout.SizeFraction = cfg.Video.PiPSizeFraction
	}
	if cfg.Video.PrimaryFraction > 0 {
		layout.PrimaryFraction = cfg.Video.PrimaryFraction
	}

	bus := deps.Bus
	qc := quality.New(quality.Config{
		TargetFPS:     cfg.Video.FPS,
		WindowSize:    cfg.Quality.WindowSize,
		EvalInterval:  time.Duration(cfg.Quality.EvalIntervalMs) * time.Millisecond,
		Cooldown:      time.Duration(cfg.Quality.CooldownMs) * time.Millisecond,
		Step:          cfg.Quality.Step,
		Floor:         cfg.Quality.Floor,
		HighWatermark: cfg.Quality.HighWatermark,
		LowWatermark:  cfg.Quality.LowWatermark,
	}, func(level float64) {
		bus.Publish(events.Event{Kind: events.KindQualityChanged, Quality: level})
	})

	p := pool.New(cfg.Video.Width, cfg.Video.Height, cfg.Output.PoolSize)

	o := &Orchestrator{
		log:     logger.WithComponent("orchestrator").With().Logger(),
		cfg:     cfg,
		deps:    deps,
		quality: qc,
		pool:    p,
		compositor: compose.New(compose.Config{
			Width:         cfg.Video.Width,
			Height:        cfg.Video.Height,
			TargetFPS:     cfg.Video.FPS,
			DropThreshold: time.Duration(cfg.Video.DropThresholdMs) * time.Millisecond,
		}, layout, p, qc),
		pairCh: make(chan media.FramePair, 1),
		closed: make(chan struct{}),
		state:  StateIdle,
	}
	o.sync = pairing.New(o.dispatchPair)

	if cfg.Quality.MonitorEnabled {
		o.monitor = quality.NewMonitor(quality.MonitorConfig{
			ThermalLimitC:   cfg.Quality.ThermalLimitC,
			BatteryFloorPct: cfg.Quality.BatteryFloorPct,
			PollInterval:    time.Duration(cfg.Quality.MonitorPollMs) * time.Millisecond,
		}, qc)
	}

	go o.compositionLoop()
	return o, nil
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// QualityLevel returns the current adaptive quality scale
func (o *Orchestrator) QualityLevel() float64 {
	return o.quality.Level()
}

// SetLayout swaps the composition layout; it takes effect on the next pair
func (o *Orchestrator) SetLayout(l compose.Layout) {
	o.compositor.SetLayout(l)
}

// Layout returns the active composition layout
func (o *Orchestrator) Layout() compose.Layout {
	return o.compositor.Layout()
}

// Outputs returns the artifacts of the most recent finished recording
func (o *Orchestrator) Outputs() Outputs {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastOutputs
}

// DroppedPairs returns the number of pairs discarded because the composition
// goroutine was busy.
func (o *Orchestrator) DroppedPairs() uint64 {
	return o.droppedPairs.Load()
}

// Configure checks permissions and starts the capture sources. Allowed from
// idle, ready, and failed; on success the orchestrator is ready and a
// setup-finished event is published. On failure the orchestrator returns to
// idle and the error is wrapped in ErrConfigurationFailed.
func (o *Orchestrator) Configure() error {
	o.mu.Lock()
	switch o.state {
	case StateIdle, StateReady, StateFailed:
	default:
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: configure while %s", ErrInvalidState, state)
	}
	o.state = StateConfiguring
	o.mu.Unlock()

	err := o.configure()
	o.mu.Lock()
	if err != nil {
		o.state = StateIdle
		o.mu.Unlock()
		o.deps.Bus.Publish(events.Event{Kind: events.KindError, Message: err.Error()})
		return err
	}
	o.state = StateReady
	o.mu.Unlock()

	o.deps.Bus.Publish(events.Event{Kind: events.KindSetupFinished})
	o.log.Info().Msg("Capture sources configured")
	return nil
}

func (o *Orchestrator) configure() error {
	if o.deps.Permissions != nil {
		if err := o.deps.Permissions(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigurationFailed, err)
		}
	}

	started := make([]func() error, 0, 3)
	fail := func(err error) error {
		for _, stop := range started {
			stop()
		}
		return fmt.Errorf("%w: %v", ErrConfigurationFailed, err)
	}

	if err := o.deps.Front.Start(o.onFrame); err != nil {
		return fail(err)
	}
	started = append(started, o.deps.Front.Stop)

	if err := o.deps.Back.Start(o.onFrame); err != nil {
		return fail(err)
	}
	started = append(started, o.deps.Back.Stop)

	if o.deps.Audio != nil {
		if err := o.deps.Audio.Start(o.onAudio); err != nil {
			return fail(err)
		}
		started = append(started, o.deps.Audio.Stop)
	}

	if o.monitor != nil && o.monitorOn.CompareAndSwap(false, true) {
		o.monitor.Start()
	}
	return nil
}

// StartRecording opens the output writers for the given mode and begins
// routing samples into them. Requires the ready state; permission,
// disk space, and the output directory are verified first. When some writers open and a later
// one fails, the opened ones are finalized and their files removed, and the
// orchestrator stays ready.
func (o *Orchestrator) StartRecording(mode OutputMode) error {
	o.mu.Lock()
	if o.state != StateReady {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: start recording while %s", ErrInvalidState, state)
	}

	sess, err := o.openSession(mode)
	if err != nil {
		o.mu.Unlock()
		o.deps.Bus.Publish(events.Event{Kind: events.KindError, Message: err.Error()})
		return err
	}
	o.sync.Reset()
	o.sess.Store(sess)
	o.state = StateRecording
	o.mu.Unlock()

	o.deps.Bus.Publish(events.Event{Kind: events.KindRecordingStarted, Message: string(mode)})
	o.log.Info().Str("mode", string(mode)).Msg("Recording started")
	return nil
}

func (o *Orchestrator) openSession(mode OutputMode) (*session, error) {
	cfg := o.cfg
	dir := cfg.Output.Directory

	// Permission is checked, never acquired, here: prompting happens during
	// Configure. A grant revoked since then fails the start.
	if o.deps.Permissions != nil {
		if err := o.deps.Permissions(); err != nil {
			return nil, fmt.Errorf("%w: permissions: %v", ErrPreconditionFailed, err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %v", ErrPreconditionFailed, err)
	}

	free, err := o.deps.FreeSpace(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: free space check: %v", ErrPreconditionFailed, err)
	}
	if free < uint64(cfg.Output.MinFreeBytes) {
		return nil, fmt.Errorf("%w: %d bytes free, %d required", ErrPreconditionFailed, free, cfg.Output.MinFreeBytes)
	}

	vset := writer.VideoSettings{
		Width:       cfg.Video.Width,
		Height:      cfg.Video.Height,
		FPS:         cfg.Video.FPS,
		JPEGQuality: cfg.Output.JPEGQuality,
	}
	aset := writer.AudioSettings{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}
	part := time.Duration(cfg.Output.PartDurationMs) * time.Millisecond
	stamp := time.Now().Format("20060102_150405")

	sess := &session{mode: mode}

	// Close every writer opened so far and remove its file, so a partial
	// start leaves nothing behind.
	abort := func(cause error) (*session, error) {
		var paths []string
		if sess.container != nil {
			sess.container.Finish(nil)
			paths = append(paths, sess.container.Path())
		}
		if sess.rawFront != nil {
			sess.rawFront.Finish(nil)
			paths = append(paths, sess.rawFront.Path())
		}
		if sess.rawBack != nil {
			sess.rawBack.Finish(nil)
			paths = append(paths, sess.rawBack.Path())
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil {
				o.log.Warn().Err(err).Str("path", p).Msg("Failed to remove partial output")
			}
		}
		return nil, cause
	}

	if mode == ModeAll || mode == ModeCombined {
		path := filepath.Join(dir, fmt.Sprintf("combined_%s.mp4", stamp))
		c, err := o.deps.Writers.NewContainer(path, vset, aset, part)
		if err != nil {
			return abort(fmt.Errorf("open combined output: %w", err))
		}
		sess.container = c
	}

	if mode == ModeAll || mode == ModeRaw {
		path := filepath.Join(dir, fmt.Sprintf("front_%s.mp4", stamp))
		f, err := o.deps.Writers.NewRaw(path, media.StreamFront, vset, part)
		if err != nil {
			return abort(fmt.Errorf("open front output: %w", err))
		}
		sess.rawFront = f

		path = filepath.Join(dir, fmt.Sprintf("back_%s.mp4", stamp))
		b, err := o.deps.Writers.NewRaw(path, media.StreamBack, vset, part)
		if err != nil {
			return abort(fmt.Errorf("open back output: %w", err))
		}
		sess.rawBack = b
	}

	return sess, nil
}

// StopRecording finalizes all writers of the active recording and waits for
// their files to be durable. Idempotent: calling it when no recording is
// active is a no-op. One recording-stopped event is published per recording
// regardless of how many stop calls race; per-writer failures are published
// as error events and reported in Outputs.
func (o *Orchestrator) StopRecording() error {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	sess := o.sess.Swap(nil)
	o.mu.Unlock()

	outputs := o.finishSession(sess)

	o.mu.Lock()
	o.lastOutputs = outputs
	o.state = StateReady
	o.mu.Unlock()

	o.deps.Bus.Publish(events.Event{Kind: events.KindRecordingStopped})
	for _, f := range outputs.Failures {
		o.deps.Bus.Publish(events.Event{
			Kind:    events.KindError,
			Message: fmt.Sprintf("%s output failed: %v", f.Role, f.Err),
		})
	}

	o.log.Info().
		Int("failures", len(outputs.Failures)).
		Msg("Recording stopped")
	return nil
}

// finishSession fans Finish out to every writer and collects the results
func (o *Orchestrator) finishSession(sess *session) Outputs {
	if sess == nil {
		return Outputs{}
	}

	var (
		mu      sync.Mutex
		outputs Outputs
		wg      sync.WaitGroup
	)

	finish := func(role string, dest **media.OutputArtifact, f func(func(writer.FinishResult))) {
		wg.Add(1)
		f(func(res writer.FinishResult) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if res.Err != nil {
				outputs.Failures = append(outputs.Failures, WriterFailure{Role: role, Err: res.Err})
				return
			}
			a := res.Artifact
			*dest = &a
		})
	}

	if sess.container != nil {
		finish("combined", &outputs.Combined, sess.container.Finish)
	}
	if sess.rawFront != nil {
		finish("front", &outputs.Front, sess.rawFront.Finish)
	}
	if sess.rawBack != nil {
		finish("back", &outputs.Back, sess.rawBack.Finish)
	}

	wg.Wait()
	return outputs
}

// NotifySourceFailure reports an unrecoverable capture source error. Any
// active recording is stopped and finalized so captured data is not lost,
// then the orchestrator enters the failed state until reconfigured.
func (o *Orchestrator) NotifySourceFailure(stream media.StreamID, cause error) {
	o.log.Error().Err(cause).Str("stream", string(stream)).Msg("Capture source failed")
	o.deps.Bus.Publish(events.Event{
		Kind:    events.KindError,
		Message: fmt.Sprintf("source %s failed: %v", stream, cause),
	})

	o.StopRecording()

	o.mu.Lock()
	o.state = StateFailed
	o.mu.Unlock()
}

// Close stops the sources, finalizes any active recording, and shuts the
// composition goroutine down. The orchestrator cannot be reused afterwards.
func (o *Orchestrator) Close() error {
	o.StopRecording()

	o.closeOnce.Do(func() {
		if o.monitor != nil && o.monitorOn.Load() {
			o.monitor.Stop()
		}
		if err := o.deps.Front.Stop(); err != nil {
			o.log.Warn().Err(err).Msg("Front source stop failed")
		}
		if err := o.deps.Back.Stop(); err != nil {
			o.log.Warn().Err(err).Msg("Back source stop failed")
		}
		if o.deps.Audio != nil {
			if err := o.deps.Audio.Stop(); err != nil {
				o.log.Warn().Err(err).Msg("Audio source stop failed")
			}
		}
		close(o.closed)
	})

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	return nil
}

// onFrame is the camera delivery callback. It feeds the raw writers first so
// native frames are preserved even when pairing drops them, then offers the
// frame to the synchronizer. Must stay cheap: it runs on the source's
// delivery goroutine.
func (o *Orchestrator) onFrame(frame media.StreamFrame) {
	if sess := o.sess.Load(); sess != nil {
		switch frame.Stream {
		case media.StreamFront:
			if sess.rawFront != nil {
				sess.rawFront.Append(frame)
			}
		case media.StreamBack:
			if sess.rawBack != nil {
				sess.rawBack.Append(frame)
			}
		}
	}
	o.sync.Push(frame)
}

// onAudio is the microphone delivery callback
func (o *Orchestrator) onAudio(chunk media.AudioChunk) {
	sess := o.sess.Load()
	if sess == nil || sess.container == nil {
		return
	}
	sess.container.AppendAudio(chunk)
}

// dispatchPair hands a freshly formed pair to the composition goroutine
// without blocking the capture callback. When the compositor is still busy
// with the previous pair, the new one is dropped.
func (o *Orchestrator) dispatchPair(pair media.FramePair) {
	select {
	case o.pairCh <- pair:
	default:
		o.droppedPairs.Add(1)
	}
}

// compositionLoop is the single goroutine that renders pairs and feeds the
// combined container. The first composited frame of a session anchors the
// container's presentation timeline.
func (o *Orchestrator) compositionLoop() {
	for {
		select {
		case <-o.closed:
			return
		case pair := <-o.pairCh:
			frame, ok := o.compositor.Composite(pair)
			if !ok {
				continue
			}
			sess := o.sess.Load()
			if sess == nil || sess.container == nil {
				frame.Free()
				continue
			}
			if sess.anchored.CompareAndSwap(false, true) {
				sess.container.Start(frame.CapturedAt)
			}
			sess.container.AppendVideo(frame)
		}
	}
}

// diskFree reports the bytes available to unprivileged writes at path.
// statfs is used directly; none of the pipeline's libraries expose this.
func diskFree(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
