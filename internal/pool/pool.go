// Package pool recycles fixed-size RGBA buffers so the composition hot path
// does not allocate a full frame per cycle.
package pool

import (
	"image"
	"sync"
)

// Pool hands out and takes back RGBA buffers of a single fixed size.
// When the pool is exhausted Get falls back to a fresh allocation; the
// caller is expected to treat that as a recoverable condition, not an error.
type Pool struct {
	mu     sync.Mutex
	free   []*image.RGBA
	bounds image.Rectangle
	cap    int
	hits   uint64
	misses uint64
}

// New creates a pool of capacity preallocated width x height buffers
func New(width, height, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	bounds := image.Rect(0, 0, width, height)
	free := make([]*image.RGBA, 0, capacity)
	for i := 0; i < capacity; i++ {
		free = append(free, image.NewRGBA(bounds))
	}
	return &Pool{
		free:   free,
		bounds: bounds,
		cap:    capacity,
	}
}

// Bounds returns the fixed buffer dimensions
func (p *Pool) Bounds() image.Rectangle {
	return p.bounds
}

// Get returns a buffer from the pool. The second return value is false when
// the pool was exhausted and the buffer was freshly allocated instead.
// Returned buffers contain stale pixels; callers must clear or overwrite.
func (p *Pool) Get() (*image.RGBA, bool) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.hits++
		p.mu.Unlock()
		return buf, true
	}
	p.misses++
	p.mu.Unlock()
	return image.NewRGBA(p.bounds), false
}

// Put returns a buffer to the pool. Buffers with mismatched dimensions and
// buffers beyond the pool's capacity are discarded for the GC.
func (p *Pool) Put(buf *image.RGBA) {
	if buf == nil || buf.Bounds() != p.bounds {
		return
	}
	p.mu.Lock()
	if len(p.free) < p.cap {
		p.free = append(p.free, buf)
	}
	p.mu.Unlock()
}

// Stats returns the number of pooled handouts and fallback allocations
func (p *Pool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
