package writer

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairstream/pairstream/internal/media"
)

var testVideo = VideoSettings{Width: 64, Height: 48, FPS: 30, JPEGQuality: 80}
var testAudio = AudioSettings{SampleRate: 48000, Channels: 1}

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	return img
}

func compositedAt(at time.Time) media.CompositedFrame {
	return media.CompositedFrame{Image: testImage(), CapturedAt: at}
}

func audioAt(at time.Time, samples int) media.AudioChunk {
	return media.AudioChunk{
		Samples:    make([]byte, samples*2),
		SampleRate: testAudio.SampleRate,
		Channels:   testAudio.Channels,
		CapturedAt: at,
	}
}

// finishSync finishes the writer and waits for the result
func finishSync(t *testing.T, finish func(func(FinishResult))) FinishResult {
	t.Helper()
	done := make(chan FinishResult, 1)
	finish(func(res FinishResult) { done <- res })
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not finish in time")
		return FinishResult{}
	}
}

func TestContainerProducesFragmentedMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.mp4")
	w, err := OpenContainer(path, testVideo, testAudio, 100*time.Millisecond)
	require.NoError(t, err)

	anchor := time.Unix(3000, 0)
	w.Start(anchor)

	for i := 0; i < 10; i++ {
		w.AppendVideo(compositedAt(anchor.Add(time.Duration(i) * 33 * time.Millisecond)))
		w.AppendAudio(audioAt(anchor.Add(time.Duration(i)*20*time.Millisecond), 960))
	}

	res := finishSync(t, w.Finish)
	require.NoError(t, res.Err)
	assert.Equal(t, path, res.Artifact.Path)
	assert.Positive(t, res.Artifact.Size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]), "file must begin with an MP4 ftyp box")
	assert.EqualValues(t, len(data), res.Artifact.Size)
}

func TestAppendsBeforeStartAreDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.mp4")
	w, err := OpenContainer(path, testVideo, testAudio, time.Second)
	require.NoError(t, err)

	released := false
	frame := compositedAt(time.Now())
	frame.Release = func() { released = true }
	w.AppendVideo(frame)
	assert.True(t, released, "frames before Start must be dropped and released")

	w.AppendAudio(audioAt(time.Now(), 960))

	res := finishSync(t, w.Finish)
	require.NoError(t, res.Err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	headerOnly := info.Size()

	// A session with samples must be larger than the bare init segment
	path2 := filepath.Join(t.TempDir(), "combined2.mp4")
	w2, err := OpenContainer(path2, testVideo, testAudio, time.Second)
	require.NoError(t, err)
	anchor := time.Unix(3000, 0)
	w2.Start(anchor)
	w2.AppendVideo(compositedAt(anchor.Add(33 * time.Millisecond)))
	res = finishSync(t, w2.Finish)
	require.NoError(t, res.Err)
	assert.Greater(t, res.Artifact.Size, headerOnly)
}

func TestSamplesBeforeAnchorAreDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.mp4")
	w, err := OpenContainer(path, testVideo, testAudio, time.Second)
	require.NoError(t, err)

	anchor := time.Unix(3000, 0)
	w.Start(anchor)

	// Captured before the anchor: negative presentation time
	released := false
	frame := compositedAt(anchor.Add(-time.Second))
	frame.Release = func() { released = true }
	w.AppendVideo(frame)
	assert.True(t, released)
	w.AppendAudio(audioAt(anchor.Add(-time.Second), 960))

	res := finishSync(t, w.Finish)
	require.NoError(t, res.Err)
}

func TestFinishIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.mp4")
	w, err := OpenContainer(path, testVideo, testAudio, time.Second)
	require.NoError(t, err)

	res := finishSync(t, w.Finish)
	require.NoError(t, res.Err)

	// Second finish must not block or panic, and must not call back
	called := false
	w.Finish(func(FinishResult) { called = true })
	assert.False(t, called)

	// Appends after finish are dropped
	w.AppendVideo(compositedAt(time.Now()))
}

func TestOpenFailsOnBadPath(t *testing.T) {
	_, err := OpenContainer(filepath.Join(t.TempDir(), "missing", "out.mp4"), testVideo, testAudio, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestRawWriterAnchorsOnFirstFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "front.mp4")
	w, err := OpenRaw(path, media.StreamFront, testVideo, 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Unix(4000, 0)
	for i := 0; i < 5; i++ {
		w.Append(media.StreamFrame{
			Stream:     media.StreamFront,
			Image:      testImage(),
			CapturedAt: start.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}

	// Frames from the other stream are ignored
	w.Append(media.StreamFrame{
		Stream:     media.StreamBack,
		Image:      testImage(),
		CapturedAt: start.Add(time.Second),
	})

	res := finishSync(t, w.Finish)
	require.NoError(t, res.Err)
	assert.Positive(t, res.Artifact.Size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data[4:8]))
}

func TestTrackStateRejectsNonMonotonicTimestamps(t *testing.T) {
	tr := &trackState{id: 1, timescale: videoTimescale}

	require.True(t, tr.appendDeferred(0, []byte{1}))
	require.True(t, tr.appendDeferred(3000, []byte{2}))
	assert.False(t, tr.appendDeferred(3000, []byte{3}), "equal timestamp must be rejected")
	assert.False(t, tr.appendDeferred(1500, []byte{4}), "earlier timestamp must be rejected")
	require.True(t, tr.appendDeferred(6000, []byte{5}))

	tr.flushPending(3000)
	require.Len(t, tr.samples, 3)
	assert.EqualValues(t, 3000, tr.samples[0].Duration, "duration comes from the next sample's timestamp")
	assert.EqualValues(t, 3000, tr.samples[1].Duration)
	assert.EqualValues(t, 3000, tr.samples[2].Duration)
	assert.EqualValues(t, 2, tr.dropped)
}

func TestTrackStateKnownDurations(t *testing.T) {
	tr := &trackState{id: 2, timescale: 48000}

	require.True(t, tr.appendKnown(0, 960, make([]byte, 1920)))
	require.True(t, tr.appendKnown(960, 960, make([]byte, 1920)))
	assert.False(t, tr.appendKnown(100, 960, nil))

	require.Len(t, tr.samples, 2)
	assert.EqualValues(t, 0, tr.baseDTS)
}

func TestToTimescale(t *testing.T) {
	assert.EqualValues(t, 90000, toTimescale(time.Second, 90000))
	assert.EqualValues(t, 9000, toTimescale(100*time.Millisecond, 90000))
	assert.EqualValues(t, 48000, toTimescale(time.Second, 48000))
	assert.EqualValues(t, 0, toTimescale(0, 90000))
}
