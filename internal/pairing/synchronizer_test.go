package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairstream/pairstream/internal/media"
)

func frame(stream media.StreamID, seq uint64, at time.Time) media.StreamFrame {
	return media.StreamFrame{Stream: stream, Sequence: seq, CapturedAt: at}
}

func TestPairsFrontAndBack(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	now := time.Now()
	s.Push(frame(media.StreamFront, 1, now))
	assert.Empty(t, pairs, "a single frame must not form a pair")

	s.Push(frame(media.StreamBack, 1, now.Add(5*time.Millisecond)))
	require.Len(t, pairs, 1)
	assert.Equal(t, media.StreamFront, pairs[0].Front.Stream)
	assert.Equal(t, media.StreamBack, pairs[0].Back.Stream)

	paired, overwritten := s.Stats()
	assert.EqualValues(t, 1, paired)
	assert.EqualValues(t, 0, overwritten)
}

func TestNewerFrameOverwritesUnconsumed(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	now := time.Now()
	s.Push(frame(media.StreamFront, 1, now))
	s.Push(frame(media.StreamFront, 2, now.Add(33*time.Millisecond)))
	s.Push(frame(media.StreamBack, 1, now.Add(40*time.Millisecond)))

	require.Len(t, pairs, 1)
	assert.EqualValues(t, 2, pairs[0].Front.Sequence, "the newer front frame wins")

	_, overwritten := s.Stats()
	assert.EqualValues(t, 1, overwritten)
}

func TestNeverPairsSameStream(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	now := time.Now()
	for i := 0; i < 10; i++ {
		s.Push(frame(media.StreamFront, uint64(i), now.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.Empty(t, pairs)
}

func TestSlotsClearAfterPairing(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	now := time.Now()
	s.Push(frame(media.StreamFront, 1, now))
	s.Push(frame(media.StreamBack, 1, now))
	s.Push(frame(media.StreamBack, 2, now.Add(33*time.Millisecond)))

	// The second back frame must wait for a fresh front frame
	require.Len(t, pairs, 1)

	s.Push(frame(media.StreamFront, 2, now.Add(34*time.Millisecond)))
	require.Len(t, pairs, 2)
	assert.EqualValues(t, 2, pairs[1].Front.Sequence)
	assert.EqualValues(t, 2, pairs[1].Back.Sequence)
}

func TestResetDiscardsPending(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	s.Push(frame(media.StreamFront, 1, time.Now()))
	s.Reset()
	s.Push(frame(media.StreamBack, 1, time.Now()))

	assert.Empty(t, pairs, "reset must clear the pending front frame")
}

func TestUnknownStreamIgnored(t *testing.T) {
	var pairs []media.FramePair
	s := New(func(p media.FramePair) { pairs = append(pairs, p) })

	s.Push(media.StreamFrame{Stream: "side", CapturedAt: time.Now()})
	s.Push(frame(media.StreamFront, 1, time.Now()))
	s.Push(frame(media.StreamBack, 1, time.Now()))

	require.Len(t, pairs, 1)
}
