package capture

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"time"

	"github.com/pairstream/pairstream/internal/logger"
	"github.com/pairstream/pairstream/internal/media"
)

// PatternCamera is a synthetic video source producing a moving test
// pattern, distinct per stream so the two sides of a composition are
// visually distinguishable. It stands in for platform camera hardware in
// development and tests.
type PatternCamera struct {
	id     media.StreamID
	width  int
	height int
	fps    int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	seq     uint64
}

// NewPatternCamera creates a synthetic camera for the given stream
func NewPatternCamera(id media.StreamID, width, height, fps int) *PatternCamera {
	if fps <= 0 {
		fps = 30
	}
	return &PatternCamera{
		id:     id,
		width:  width,
		height: height,
		fps:    fps,
	}
}

// ID returns the camera's stream id
func (c *PatternCamera) ID() media.StreamID {
	return c.id
}

// Start launches the frame generation loop
func (c *PatternCamera) Start(emit FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("camera %s already running", c.id)
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.run(emit, c.stop, c.done)

	logger.WithComponent("pattern-camera").Info().
		Str("stream", string(c.id)).
		Int("fps", c.fps).
		Msg("Synthetic camera started")
	return nil
}

// Stop halts frame generation and waits for the loop to exit
func (c *PatternCamera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stop := c.stop
	done := c.done
	c.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (c *PatternCamera) run(emit FrameFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(c.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			seq := c.seq
			c.seq++
			c.mu.Unlock()

			emit(media.StreamFrame{
				Stream:     c.id,
				Image:      c.render(seq),
				CapturedAt: time.Now(),
				Sequence:   seq,
			})
		}
	}
}

// render draws the test pattern: a stream-specific background with a white
// square orbiting so motion is visible in the output.
func (c *PatternCamera) render(seq uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))

	bg := color.RGBA{R: 32, G: 48, B: 96, A: 255}
	if c.id == media.StreamBack {
		bg = color.RGBA{R: 96, G: 40, B: 32, A: 255}
	}
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	// Orbiting marker
	side := c.height / 8
	if side < 4 {
		side = 4
	}
	angle := float64(seq) * 2 * math.Pi / float64(c.fps*4)
	cx := c.width/2 + int(float64(c.width/3)*math.Cos(angle))
	cy := c.height/2 + int(float64(c.height/3)*math.Sin(angle))
	marker := image.Rect(cx-side/2, cy-side/2, cx+side/2, cy+side/2)
	draw.Draw(img, marker.Intersect(img.Bounds()), image.NewUniform(color.White), image.Point{}, draw.Src)

	return img
}

// ToneMicrophone is a synthetic audio source producing a continuous sine
// tone in 20ms chunks of signed 16-bit little-endian PCM.
type ToneMicrophone struct {
	sampleRate int
	channels   int
	freq       float64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewToneMicrophone creates a synthetic microphone
func NewToneMicrophone(sampleRate, channels int) *ToneMicrophone {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return &ToneMicrophone{
		sampleRate: sampleRate,
		channels:   channels,
		freq:       440,
	}
}

// Start launches the chunk generation loop
func (m *ToneMicrophone) Start(emit AudioFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("microphone already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(emit, m.stop, m.done)

	logger.WithComponent("tone-microphone").Info().
		Int("sample_rate", m.sampleRate).
		Int("channels", m.channels).
		Msg("Synthetic microphone started")
	return nil
}

// Stop halts chunk generation and waits for the loop to exit
func (m *ToneMicrophone) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stop := m.stop
	done := m.done
	m.mu.Unlock()

	close(stop)
	<-done
	return nil
}

func (m *ToneMicrophone) run(emit AudioFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	const chunkDur = 20 * time.Millisecond
	samplesPerChunk := m.sampleRate / 50

	ticker := time.NewTicker(chunkDur)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * m.freq / float64(m.sampleRate)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buf := make([]byte, samplesPerChunk*m.channels*2)
			for i := 0; i < samplesPerChunk; i++ {
				v := int16(math.Sin(phase) * 0.2 * math.MaxInt16)
				phase += step
				for ch := 0; ch < m.channels; ch++ {
					binary.LittleEndian.PutUint16(buf[(i*m.channels+ch)*2:], uint16(v))
				}
			}
			emit(media.AudioChunk{
				Samples:    buf,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				CapturedAt: time.Now(),
			})
		}
	}
}
