package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairstream/pairstream/internal/config"
	"github.com/pairstream/pairstream/internal/events"
	"github.com/pairstream/pairstream/internal/media"
	"github.com/pairstream/pairstream/internal/writer"
)

// fakeCamera delivers frames only when the test pushes them
type fakeCamera struct {
	id media.StreamID

	mu       sync.Mutex
	emit     FrameFunc
	startErr error
	stopped  bool
}

func (c *fakeCamera) ID() media.StreamID { return c.id }

func (c *fakeCamera) Start(emit FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.emit = emit
	return nil
}

func (c *fakeCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeCamera) push(at time.Time, seq uint64) {
	c.mu.Lock()
	emit := c.emit
	c.mu.Unlock()
	if emit != nil {
		emit(media.StreamFrame{
			Stream:     c.id,
			Image:      image.NewRGBA(image.Rect(0, 0, 32, 24)),
			CapturedAt: at,
			Sequence:   seq,
		})
	}
}

type fakeMicrophone struct {
	mu   sync.Mutex
	emit AudioFunc
}

func (m *fakeMicrophone) Start(emit AudioFunc) error {
	m.mu.Lock()
	m.emit = emit
	m.mu.Unlock()
	return nil
}

func (m *fakeMicrophone) Stop() error { return nil }

func (m *fakeMicrophone) push(at time.Time) {
	m.mu.Lock()
	emit := m.emit
	m.mu.Unlock()
	if emit != nil {
		emit(media.AudioChunk{
			Samples:    make([]byte, 1920),
			SampleRate: 48000,
			Channels:   1,
			CapturedAt: at,
		})
	}
}

// fakeContainer records appended samples in memory
type fakeContainer struct {
	path      string
	finishErr error

	mu       sync.Mutex
	started  bool
	anchor   time.Time
	video    int
	audio    int
	finished bool
	videoCh  chan struct{}
}

func (f *fakeContainer) Path() string { return f.path }

func (f *fakeContainer) Start(anchor time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.anchor = anchor
}

func (f *fakeContainer) AppendVideo(frame media.CompositedFrame) {
	frame.Free()
	f.mu.Lock()
	f.video++
	ch := f.videoCh
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *fakeContainer) AppendAudio(media.AudioChunk) {
	f.mu.Lock()
	f.audio++
	f.mu.Unlock()
}

func (f *fakeContainer) Finish(completion func(writer.FinishResult)) {
	f.mu.Lock()
	f.finished = true
	err := f.finishErr
	f.mu.Unlock()
	if completion == nil {
		return
	}
	if err != nil {
		completion(writer.FinishResult{Err: err})
		return
	}
	completion(writer.FinishResult{Artifact: media.OutputArtifact{Path: f.path, Size: 1024}})
}

type fakeRaw struct {
	path   string
	stream media.StreamID

	mu       sync.Mutex
	frames   int
	finished bool
}

func (f *fakeRaw) Path() string { return f.path }

func (f *fakeRaw) Append(frame media.StreamFrame) {
	if frame.Stream != f.stream {
		return
	}
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
}

func (f *fakeRaw) Finish(completion func(writer.FinishResult)) {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	if completion != nil {
		completion(writer.FinishResult{Artifact: media.OutputArtifact{Path: f.path, Size: 512}})
	}
}

// fakeFactory hands out in-memory sinks, optionally failing per role
type fakeFactory struct {
	mu            sync.Mutex
	containerErr  error
	rawErr        map[media.StreamID]error
	containerFail error // finish-time error for the container

	containers []*fakeContainer
	raws       []*fakeRaw
}

func (f *fakeFactory) NewContainer(path string, _ writer.VideoSettings, _ writer.AudioSettings, _ time.Duration) (ContainerSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containerErr != nil {
		return nil, f.containerErr
	}
	c := &fakeContainer{path: path, finishErr: f.containerFail}
	f.containers = append(f.containers, c)
	return c, nil
}

func (f *fakeFactory) NewRaw(path string, stream media.StreamID, _ writer.VideoSettings, _ time.Duration) (RawSink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rawErr[stream]; err != nil {
		return nil, err
	}
	r := &fakeRaw{path: path, stream: stream}
	f.raws = append(f.raws, r)
	return r, nil
}

type fixture struct {
	orch    *Orchestrator
	front   *fakeCamera
	back    *fakeCamera
	mic     *fakeMicrophone
	factory *fakeFactory
	bus     *events.Bus
	events  <-chan events.Event
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Video.Width = 64
	cfg.Video.Height = 48
	cfg.Output.Directory = t.TempDir()
	cfg.Output.MinFreeBytes = 1
	cfg.Output.PoolSize = 2
	return cfg
}

func newFixture(t *testing.T, mutate func(*fakeFactory, *config.Config)) *fixture {
	t.Helper()

	cfg := testConfig(t)
	factory := &fakeFactory{rawErr: map[media.StreamID]error{}}
	if mutate != nil {
		mutate(factory, cfg)
	}

	front := &fakeCamera{id: media.StreamFront}
	back := &fakeCamera{id: media.StreamBack}
	mic := &fakeMicrophone{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)

	orch, err := New(cfg, Deps{
		Front:     front,
		Back:      back,
		Audio:     mic,
		Bus:       bus,
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
		Writers:   factory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })

	return &fixture{orch: orch, front: front, back: back, mic: mic, factory: factory, bus: bus, events: ch}
}

// waitEvent waits for the next event of the given kind, skipping others
func (f *fixture) waitEvent(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (f *fixture) countEvents(kind events.Kind) int {
	n := 0
	for {
		select {
		case e := <-f.events:
			if e.Kind == kind {
				n++
			}
		default:
			return n
		}
	}
}

func TestConfigureTransitionsToReady(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, StateIdle, f.orch.State())

	require.NoError(t, f.orch.Configure())
	assert.Equal(t, StateReady, f.orch.State())
	f.waitEvent(t, events.KindSetupFinished)
}

func TestConfigureFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.back.startErr = errors.New("no such device")

	err := f.orch.Configure()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigurationFailed)
	assert.Equal(t, StateIdle, f.orch.State(), "a failed configure leaves the recorder idle")
	assert.True(t, f.front.stopped, "sources started before the failure must be stopped")
	f.waitEvent(t, events.KindError)

	// Recording cannot start until a configure succeeds
	err = f.orch.StartRecording(ModeAll)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Retrying from idle is allowed
	f.back.startErr = nil
	f.front.stopped = false
	require.NoError(t, f.orch.Configure())
	assert.Equal(t, StateReady, f.orch.State())
}

func TestStartRecordingRequiresReady(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.StartRecording(ModeAll)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.orch.Configure())
	require.NoError(t, f.orch.StartRecording(ModeAll))
	assert.Equal(t, StateRecording, f.orch.State())

	// Starting again while recording is rejected
	err = f.orch.StartRecording(ModeAll)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInsufficientDiskSpaceFailsPrecondition(t *testing.T) {
	cfg := testConfig(t)
	factory := &fakeFactory{rawErr: map[media.StreamID]error{}}
	front := &fakeCamera{id: media.StreamFront}
	back := &fakeCamera{id: media.StreamBack}
	cfg.Output.MinFreeBytes = 1 << 30

	orch, err := New(cfg, Deps{
		Front:     front,
		Back:      back,
		FreeSpace: func(string) (uint64, error) { return 1 << 20, nil },
		Writers:   factory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })

	require.NoError(t, orch.Configure())
	err = orch.StartRecording(ModeAll)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, StateReady, orch.State(), "failed preconditions leave the recorder ready")
	assert.Empty(t, factory.containers, "no writers may be opened")
}

func TestRevokedPermissionFailsPrecondition(t *testing.T) {
	cfg := testConfig(t)
	factory := &fakeFactory{rawErr: map[media.StreamID]error{}}
	front := &fakeCamera{id: media.StreamFront}
	back := &fakeCamera{id: media.StreamBack}

	granted := true
	orch, err := New(cfg, Deps{
		Front: front,
		Back:  back,
		Permissions: func() error {
			if granted {
				return nil
			}
			return errors.New("camera access revoked")
		},
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
		Writers:   factory,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })

	require.NoError(t, orch.Configure())

	// Grant revoked between configure and start: the start must fail
	granted = false
	err = orch.StartRecording(ModeCombined)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, StateReady, orch.State(), "a failed precondition leaves the recorder ready")
	assert.Empty(t, factory.containers, "no writers may be opened")

	granted = true
	require.NoError(t, orch.StartRecording(ModeCombined))
	assert.Equal(t, StateRecording, orch.State())
}

func TestPairDispatchNeverBlocksOnStateLock(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())

	// Park the composition goroutine so the pair channel stays full and
	// every further dispatch takes the drop path.
	require.NoError(t, f.orch.Close())

	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			f.orch.dispatchPair(media.FramePair{})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pair dispatch blocked while the state lock was held")
	}
	assert.GreaterOrEqual(t, f.orch.DroppedPairs(), uint64(7))
}

func TestPartialWriterOpenFailureCleansUp(t *testing.T) {
	f := newFixture(t, func(factory *fakeFactory, _ *config.Config) {
		factory.rawErr[media.StreamBack] = errors.New("disk full")
	})

	require.NoError(t, f.orch.Configure())
	err := f.orch.StartRecording(ModeAll)
	require.Error(t, err)
	assert.Equal(t, StateReady, f.orch.State())

	// The container and front writer opened first and must be closed again
	require.Len(t, f.factory.containers, 1)
	assert.True(t, f.factory.containers[0].finished)
	require.Len(t, f.factory.raws, 1)
	assert.True(t, f.factory.raws[0].finished)
}

func TestModeSelectsWriters(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())

	require.NoError(t, f.orch.StartRecording(ModeCombined))
	require.NoError(t, f.orch.StopRecording())
	assert.Len(t, f.factory.containers, 1)
	assert.Empty(t, f.factory.raws)

	require.NoError(t, f.orch.StartRecording(ModeRaw))
	require.NoError(t, f.orch.StopRecording())
	assert.Len(t, f.factory.containers, 1, "raw mode must not open a container")
	assert.Len(t, f.factory.raws, 2)
}

func TestFramesFlowToContainer(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())
	require.NoError(t, f.orch.StartRecording(ModeAll))

	container := f.factory.containers[0]
	container.mu.Lock()
	container.videoCh = make(chan struct{}, 16)
	container.mu.Unlock()

	start := time.Now()
	f.front.push(start, 1)
	f.back.push(start.Add(time.Millisecond), 1)

	select {
	case <-container.videoCh:
	case <-time.After(5 * time.Second):
		t.Fatal("composited frame never reached the container")
	}

	f.mic.push(start.Add(2 * time.Millisecond))

	container.mu.Lock()
	assert.True(t, container.started, "first composited frame must anchor the container")
	assert.False(t, container.anchor.IsZero())
	assert.GreaterOrEqual(t, container.video, 1)
	container.mu.Unlock()

	// Raw writers see native frames regardless of pairing
	require.NoError(t, f.orch.StopRecording())
	for _, r := range f.factory.raws {
		r.mu.Lock()
		assert.Equal(t, 1, r.frames)
		r.mu.Unlock()
	}
}

func TestStopRecordingIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())
	require.NoError(t, f.orch.StartRecording(ModeCombined))

	require.NoError(t, f.orch.StopRecording())
	require.NoError(t, f.orch.StopRecording())
	require.NoError(t, f.orch.StopRecording())

	assert.Equal(t, StateReady, f.orch.State())
	f.waitEvent(t, events.KindRecordingStopped)
	assert.Zero(t, f.countEvents(events.KindRecordingStopped), "exactly one stop event per recording")

	outputs := f.orch.Outputs()
	require.NotNil(t, outputs.Combined)
	assert.EqualValues(t, 1024, outputs.Combined.Size)
}

func TestWriterFinishFailureIsReported(t *testing.T) {
	f := newFixture(t, func(factory *fakeFactory, _ *config.Config) {
		factory.containerFail = fmt.Errorf("%w: disk full", writer.ErrFinishFailed)
	})

	require.NoError(t, f.orch.Configure())
	require.NoError(t, f.orch.StartRecording(ModeAll))
	require.NoError(t, f.orch.StopRecording())

	outputs := f.orch.Outputs()
	assert.Nil(t, outputs.Combined)
	require.NotNil(t, outputs.Front, "surviving writers still deliver artifacts")
	require.NotNil(t, outputs.Back)
	require.Len(t, outputs.Failures, 1)
	assert.Equal(t, "combined", outputs.Failures[0].Role)
	assert.ErrorIs(t, outputs.Failures[0].Err, writer.ErrFinishFailed)

	f.waitEvent(t, events.KindRecordingStopped)
	f.waitEvent(t, events.KindError)
	assert.Equal(t, StateReady, f.orch.State())
}

func TestSourceFailureStopsRecordingAndFails(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())
	require.NoError(t, f.orch.StartRecording(ModeCombined))

	f.orch.NotifySourceFailure(media.StreamBack, errors.New("camera disconnected"))

	assert.Equal(t, StateFailed, f.orch.State())
	require.Len(t, f.factory.containers, 1)
	assert.True(t, f.factory.containers[0].finished, "in-flight recording must be finalized")
	require.NotNil(t, f.orch.Outputs().Combined, "captured data survives the failure")

	err := f.orch.StartRecording(ModeCombined)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Configure())

	for i := 0; i < 3; i++ {
		require.NoError(t, f.orch.StartRecording(ModeCombined))
		require.NoError(t, f.orch.StopRecording())
	}
	assert.Len(t, f.factory.containers, 3)
	assert.Equal(t, StateReady, f.orch.State())
}

func TestParseOutputMode(t *testing.T) {
	mode, err := ParseOutputMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAll, mode)

	for _, s := range []string{"all", "combined", "raw"} {
		mode, err := ParseOutputMode(s)
		require.NoError(t, err)
		assert.Equal(t, OutputMode(s), mode)
	}

	_, err = ParseOutputMode("bogus")
	assert.Error(t, err)
}
