// Package quality adapts the compositor's render scale to the device's
// ability to keep up. It watches per-frame processing latency and, when the
// rolling mean drifts past the frame budget, steps the scale down (or back
// up) under hysteresis so the output never oscillates.
package quality

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pairstream/pairstream/internal/logger"
	"github.com/rs/zerolog"
)

// Config holds the controller's tuning knobs. The multipliers and timers are
// empirically tuned; callers should take them from configuration rather than
// assuming the defaults are optimal.
type Config struct {
	TargetFPS     int
	WindowSize    int
	EvalInterval  time.Duration
	Cooldown      time.Duration
	Step          float64
	Floor         float64
	HighWatermark float64
	LowWatermark  float64
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = 30
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 60
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = 2 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.Step <= 0 {
		c.Step = 0.25
	}
	if c.Floor <= 0 || c.Floor > 1 {
		c.Floor = 0.5
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 1.5
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = 0.5
	}
	return c
}

// Controller owns the quality level: a scale factor in [floor, 1.0] applied
// to composited output. The level is written only here and read by the
// compositor through a single atomic scalar, so a reader may see a stale
// value for at most one frame.
type Controller struct {
	log zerolog.Logger
	cfg Config

	level atomic.Uint64 // float64 bits

	mu         sync.Mutex
	samples    []time.Duration // ring buffer, newest at tail
	lastEval   time.Time
	lastChange time.Time

	now      func() time.Time
	onChange func(float64)
}

// New creates a controller at level 1.0. onChange, if non-nil, is invoked
// with the new level after every change; it must not call back into the
// controller.
func New(cfg Config, onChange func(float64)) *Controller {
	c := &Controller{
		log:      logger.WithComponent("quality").With().Logger(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		onChange: onChange,
	}
	c.level.Store(math.Float64bits(1.0))
	return c
}

// Level returns the current quality scale factor
func (c *Controller) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

// budget is the per-frame processing budget, 1/targetFPS
func (c *Controller) budget() time.Duration {
	return time.Second / time.Duration(c.cfg.TargetFPS)
}

// Report records the processing duration of one successfully composited
// frame. Once per evaluation interval the rolling mean is compared against
// the frame budget and the level is stepped at most once.
func (c *Controller) Report(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) >= c.cfg.WindowSize {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:len(c.samples)-1]
	}
	c.samples = append(c.samples, d)

	now := c.now()
	if c.lastEval.IsZero() {
		c.lastEval = now
		return
	}
	if now.Sub(c.lastEval) < c.cfg.EvalInterval {
		return
	}
	c.lastEval = now
	c.evaluateLocked(now)
}

// evaluateLocked applies at most one step based on the rolling mean
func (c *Controller) evaluateLocked(now time.Time) {
	if len(c.samples) == 0 {
		return
	}

	var total time.Duration
	for _, s := range c.samples {
		total += s
	}
	mean := total / time.Duration(len(c.samples))
	budget := c.budget()

	level := c.Level()
	switch {
	case float64(mean) > c.cfg.HighWatermark*float64(budget) && level > c.cfg.Floor:
		c.setLocked(level-c.cfg.Step, now, "mean latency over budget")
	case float64(mean) < c.cfg.LowWatermark*float64(budget) && level < 1.0:
		c.setLocked(level+c.cfg.Step, now, "mean latency under budget")
	}
}

// SignalPressure forces an immediate one-step decrease in response to an
// external signal (thermal state, low battery), regardless of the
// evaluation timer. A cooldown since the last change gates it to prevent
// oscillation. Returns true if the level was lowered.
func (c *Controller) SignalPressure(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastChange.IsZero() && now.Sub(c.lastChange) < c.cfg.Cooldown {
		return false
	}
	level := c.Level()
	if level <= c.cfg.Floor {
		return false
	}
	c.setLocked(level-c.cfg.Step, now, reason)
	return true
}

// setLocked clamps and stores a new level and fires the change callback
func (c *Controller) setLocked(level float64, now time.Time, reason string) {
	if level < c.cfg.Floor {
		level = c.cfg.Floor
	}
	if level > 1.0 {
		level = 1.0
	}
	if level == c.Level() {
		return
	}

	c.level.Store(math.Float64bits(level))
	c.lastChange = now
	c.log.Info().
		Float64("level", level).
		Str("reason", reason).
		Msg("Quality level changed")

	if c.onChange != nil {
		c.onChange(level)
	}
}
