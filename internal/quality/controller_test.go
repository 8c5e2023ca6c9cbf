package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the controller's time without sleeping
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T, onChange func(float64)) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(Config{
		TargetFPS:    30, // ~33ms budget
		WindowSize:   60,
		EvalInterval: 2 * time.Second,
		Cooldown:     5 * time.Second,
		Step:         0.25,
		Floor:        0.5,
	}, onChange)
	c.now = clock.now
	return c, clock
}

// reportFrames feeds n samples of duration d, advancing the clock so that
// exactly one evaluation happens at the end.
func reportFrames(c *Controller, clock *fakeClock, n int, d time.Duration) {
	for i := 0; i < n-1; i++ {
		c.Report(d)
	}
	clock.advance(2100 * time.Millisecond)
	c.Report(d)
}

func TestSustainedOverloadStepsDownToFloor(t *testing.T) {
	var changes []float64
	c, clock := newTestController(t, func(l float64) { changes = append(changes, l) })

	require.Equal(t, 1.0, c.Level())

	// 60ms per frame against a 33ms budget: each evaluation steps down once
	reportFrames(c, clock, 10, 60*time.Millisecond)
	assert.Equal(t, 0.75, c.Level())

	reportFrames(c, clock, 10, 60*time.Millisecond)
	assert.Equal(t, 0.5, c.Level())

	// At the floor further overload changes nothing
	reportFrames(c, clock, 10, 60*time.Millisecond)
	assert.Equal(t, 0.5, c.Level())

	assert.Equal(t, []float64{0.75, 0.5}, changes)
}

func TestComfortableLatencyKeepsFullQuality(t *testing.T) {
	c, clock := newTestController(t, nil)

	for i := 0; i < 5; i++ {
		reportFrames(c, clock, 10, 10*time.Millisecond)
	}
	assert.Equal(t, 1.0, c.Level(), "10ms frames within a 33ms budget must not lower quality")
}

func TestRecoveryStepsBackUp(t *testing.T) {
	c, clock := newTestController(t, nil)

	reportFrames(c, clock, 60, 60*time.Millisecond)
	require.Equal(t, 0.75, c.Level())

	// Well under the low watermark (0.5 * 33ms): steps back up. The window
	// still holds old slow samples, so flush it with fast ones first.
	for i := 0; i < 3; i++ {
		reportFrames(c, clock, 60, 5*time.Millisecond)
	}
	assert.Equal(t, 1.0, c.Level())
}

func TestEvaluationIsRateLimited(t *testing.T) {
	c, clock := newTestController(t, nil)

	// Many slow frames inside one interval: at most one step
	clock.advance(2100 * time.Millisecond)
	for i := 0; i < 100; i++ {
		c.Report(200 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, c.Level(), 0.75, "a single interval must step at most once")
}

func TestSignalPressureLowersImmediately(t *testing.T) {
	c, _ := newTestController(t, nil)

	require.True(t, c.SignalPressure("thermal"))
	assert.Equal(t, 0.75, c.Level())
}

func TestSignalPressureCooldown(t *testing.T) {
	c, clock := newTestController(t, nil)

	require.True(t, c.SignalPressure("thermal"))
	assert.False(t, c.SignalPressure("thermal"), "second signal inside cooldown must be ignored")

	clock.advance(6 * time.Second)
	assert.True(t, c.SignalPressure("thermal"))
	assert.Equal(t, 0.5, c.Level())

	// At the floor, pressure has nothing left to take
	clock.advance(6 * time.Second)
	assert.False(t, c.SignalPressure("thermal"))
}

func TestLevelClampedToFloorAndCeiling(t *testing.T) {
	c, clock := newTestController(t, nil)
	now := clock.now()

	c.mu.Lock()
	c.setLocked(-1, now, "test")
	c.mu.Unlock()
	assert.Equal(t, 0.5, c.Level())

	c.mu.Lock()
	c.setLocked(7, now, "test")
	c.mu.Unlock()
	assert.Equal(t, 1.0, c.Level())
}
