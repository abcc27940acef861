package frame

import (
	"sync"
	"time"
)

// DefaultMaxFree bounds the number of idle buffers kept by NewPool(0).
const DefaultMaxFree = 16

// Pool recycles frame buffers. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	free    [][]byte
	maxFree int
	allocs  int
	reuses  int
}

func NewPool(maxFree int) *Pool {
	if maxFree <= 0 {
		maxFree = DefaultMaxFree
	}
	return &Pool{maxFree: maxFree}
}

// Alloc returns a buffer of length size, reusing the smallest idle buffer
// that is large enough.
func (p *Pool) Alloc(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, b := range p.free {
		if cap(b) >= size && (best < 0 || cap(b) < cap(p.free[best])) {
			best = i
		}
	}
	if best >= 0 {
		b := p.free[best]
		last := len(p.free) - 1
		p.free[best] = p.free[last]
		p.free[last] = nil
		p.free = p.free[:last]
		p.reuses++
		return b[:size]
	}
	p.allocs++
	return make([]byte, size)
}

// Wrap creates a frame owning buf with a single reference.
func (p *Pool) Wrap(buf []byte, info Info) Frame {
	d := &frameData{pool: p, buf: buf, info: info}
	d.refs.Store(1)
	return Frame{d: d}
}

// Copy creates a frame holding a pooled copy of data.
func (p *Pool) Copy(data []byte, info Info) Frame {
	buf := p.Alloc(len(data))
	copy(buf, data)
	return p.Wrap(buf, info)
}

// Error creates an error frame carrying msg and no image.
func (p *Pool) Error(msg string, t time.Time) Frame {
	d := &frameData{pool: p, info: Info{Time: t}, err: msg}
	d.refs.Store(1)
	return Frame{d: d}
}

// Free is the number of idle buffers.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns how many buffers were freshly allocated and how many reused.
func (p *Pool) Stats() (allocs, reuses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.reuses
}

func (p *Pool) recycle(d *frameData) {
	buf := d.buf
	d.buf = nil
	if p == nil || cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.maxFree {
		p.free = append(p.free, buf[:0])
	}
}
