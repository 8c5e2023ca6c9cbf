// Package compose renders frame pairs into single output images under a
// selectable layout, applying the adaptive quality scale and protecting
// frame-rate stability with a drop gate.
package compose

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
	"github.com/pairstream/pairstream/internal/pool"
	"github.com/pairstream/pairstream/internal/quality"
	"github.com/rs/zerolog"
)

const (
	pipMargin = 16
	pipBorder = 3
)

var pipBorderColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Config holds the compositor's fixed parameters
type Config struct {
	Width         int
	Height        int
	TargetFPS     int
	DropThreshold time.Duration
}

// Compositor renders a FramePair plus the active Layout into one output
// buffer obtained from the pixel buffer pool. It is driven by a single
// composition goroutine; only the layout may be swapped from other
// goroutines.
type Compositor struct {
	log     zerolog.Logger
	cfg     Config
	pool    *pool.Pool
	quality *quality.Controller

	// scaler is chosen once at construction, never per frame
	scaler xdraw.Scaler

	mu       sync.Mutex
	layout   Layout
	lastEmit time.Time

	now     func() time.Time
	dropped uint64
}

// New creates a compositor rendering into buffers from p, reading the
// render scale from qc per frame.
func New(cfg Config, layout Layout, p *pool.Pool, qc *quality.Controller) *Compositor {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	if cfg.DropThreshold <= 0 {
		cfg.DropThreshold = 50 * time.Millisecond
	}
	return &Compositor{
		log:     logger.WithComponent("compositor").With().Logger(),
		cfg:     cfg,
		pool:    p,
		quality: qc,
		scaler:  xdraw.ApproxBiLinear,
		layout:  layout.WithDefaults(),
		now:     time.Now,
	}
}

// SetLayout swaps the active layout; it takes effect on the next pair
func (c *Compositor) SetLayout(l Layout) {
	c.mu.Lock()
	c.layout = l.WithDefaults()
	c.mu.Unlock()
	c.log.Info().Str("layout", string(l.Kind)).Msg("Layout changed")
}

// Layout returns the active layout
func (c *Compositor) Layout() Layout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// Dropped returns the number of pairs sacrificed by the frame-drop gate
func (c *Compositor) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Composite renders the pair into a single frame. It returns ok=false when
// the frame was dropped — by the frame-drop gate when the pipeline has
// fallen behind — which is an expected high-frequency event under load, not
// an error.
func (c *Compositor) Composite(pair media.FramePair) (media.CompositedFrame, bool) {
	c.mu.Lock()
	layout := c.layout
	now := c.now()

	// Frame-drop gate: when more than one frame interval plus slack has
	// passed since the last emission, sacrifice this pair so the pipeline
	// can catch up. The gate resets so only one frame is lost per episode.
	budget := time.Second / time.Duration(c.cfg.TargetFPS)
	if !c.lastEmit.IsZero() && now.Sub(c.lastEmit) > budget+c.cfg.DropThreshold {
		c.lastEmit = now
		c.dropped++
		c.mu.Unlock()
		return media.CompositedFrame{}, false
	}
	c.mu.Unlock()

	start := time.Now()
	scale := c.quality.Level()

	front := c.prescale(pair.Front.Image, scale)
	back := c.prescale(pair.Back.Image, scale)

	buf, pooled := c.pool.Get()
	if !pooled {
		c.log.Warn().Msg("Pixel buffer pool exhausted, allocating frame buffer")
	}

	// Black background for every layout
	draw.Draw(buf, buf.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	switch layout.Kind {
	case LayoutPictureInPicture:
		c.renderPiP(buf, front, back, layout)
	case LayoutPrimarySecondary:
		c.renderPrimarySecondary(buf, front, back, layout)
	default:
		c.renderSideBySide(buf, front, back)
	}

	elapsed := time.Since(start)
	c.quality.Report(elapsed)

	c.mu.Lock()
	c.lastEmit = now
	c.mu.Unlock()

	p := c.pool
	var once sync.Once
	release := func() {
		once.Do(func() {
			if pooled {
				p.Put(buf)
			}
		})
	}

	return media.CompositedFrame{
		Image:      buf,
		CapturedAt: pair.CapturedAt(),
		Release:    release,
	}, true
}

// prescale applies the quality level as a uniform downscale to an input
// image before layout composition. Never upscales beyond 1.0.
func (c *Compositor) prescale(src *image.RGBA, scale float64) *image.RGBA {
	if src == nil {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	if scale >= 1.0 {
		return src
	}

	b := src.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	c.scaler.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// renderSideBySide places each source at half the target width and full
// height: front left, back right.
func (c *Compositor) renderSideBySide(dst *image.RGBA, front, back *image.RGBA) {
	w := c.cfg.Width
	h := c.cfg.Height
	c.scaler.Scale(dst, image.Rect(0, 0, w/2, h), front, front.Bounds(), xdraw.Src, nil)
	c.scaler.Scale(dst, image.Rect(w/2, 0, w, h), back, back.Bounds(), xdraw.Src, nil)
}

// renderPiP scales the primary (front) to fill the target, then insets the
// secondary (back) at the chosen corner with a fixed margin and solid border.
func (c *Compositor) renderPiP(dst *image.RGBA, front, back *image.RGBA, layout Layout) {
	w := c.cfg.Width
	h := c.cfg.Height
	c.scaler.Scale(dst, image.Rect(0, 0, w, h), front, front.Bounds(), xdraw.Src, nil)

	insetW := int(float64(w) * layout.SizeFraction)
	insetH := int(float64(h) * layout.SizeFraction)

	var x, y int
	switch layout.Corner {
	case CornerTopLeft:
		x, y = pipMargin, pipMargin
	case CornerTopRight:
		x, y = w-pipMargin-insetW, pipMargin
	case CornerBottomLeft:
		x, y = pipMargin, h-pipMargin-insetH
	default: // bottom-right
		x, y = w-pipMargin-insetW, h-pipMargin-insetH
	}

	borderRect := image.Rect(x-pipBorder, y-pipBorder, x+insetW+pipBorder, y+insetH+pipBorder)
	draw.Draw(dst, borderRect.Intersect(dst.Bounds()), image.NewUniform(pipBorderColor), image.Point{}, draw.Src)

	c.scaler.Scale(dst, image.Rect(x, y, x+insetW, y+insetH), back, back.Bounds(), xdraw.Src, nil)
}

// renderPrimarySecondary splits the width: primary (front) on the left at
// the configured fraction, secondary (back) filling the remainder.
func (c *Compositor) renderPrimarySecondary(dst *image.RGBA, front, back *image.RGBA, layout Layout) {
	w := c.cfg.Width
	h := c.cfg.Height
	split := int(float64(w) * layout.PrimaryFraction)
	c.scaler.Scale(dst, image.Rect(0, 0, split, h), front, front.Bounds(), xdraw.Src, nil)
	c.scaler.Scale(dst, image.Rect(split, 0, w, h), back, back.Bounds(), xdraw.Src, nil)
}
