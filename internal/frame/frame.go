// Package frame holds reference-counted image frames and the pool that
// recycles their buffers.
//
// A Frame is a small handle. Copying the handle does not take a reference:
// holders that keep a frame beyond the call that handed it to them call
// Retain, and every Retain (and the reference returned by the pool) is
// balanced by exactly one Release.
package frame

import (
	"sync/atomic"
	"time"
)

// Info describes the image carried by a frame.
type Info struct {
	PixelFormat PixelFormat
	Width       int
	Height      int
	Time        time.Time
}

type frameData struct {
	pool *Pool
	refs atomic.Int32
	buf  []byte
	info Info
	err  string
}

// Frame is a handle to shared immutable frame data. The zero Frame is empty.
type Frame struct {
	d *frameData
}

// IsZero reports whether f refers to no data.
func (f Frame) IsZero() bool { return f.d == nil }

// Retain takes an additional reference and returns f for chaining.
func (f Frame) Retain() Frame {
	if f.d != nil {
		f.d.refs.Add(1)
	}
	return f
}

// Release drops one reference. The buffer returns to the pool when the
// count reaches zero.
func (f Frame) Release() {
	if f.d == nil {
		return
	}
	n := f.d.refs.Add(-1)
	if n == 0 {
		f.d.pool.recycle(f.d)
	} else if n < 0 {
		panic("frame: release of unreferenced frame")
	}
}

// RefCount is the current number of references.
func (f Frame) RefCount() int {
	if f.d == nil {
		return 0
	}
	return int(f.d.refs.Load())
}

// Data is the frame payload. It must not be modified.
func (f Frame) Data() []byte {
	if f.d == nil {
		return nil
	}
	return f.d.buf
}

func (f Frame) Size() int { return len(f.Data()) }

func (f Frame) Info() Info {
	if f.d == nil {
		return Info{}
	}
	return f.d.info
}

func (f Frame) PixelFormat() PixelFormat { return f.Info().PixelFormat }
func (f Frame) Width() int               { return f.Info().Width }
func (f Frame) Height() int              { return f.Info().Height }
func (f Frame) Time() time.Time          { return f.Info().Time }

// Error is the message of an error frame, empty for image frames.
func (f Frame) Error() string {
	if f.d == nil {
		return ""
	}
	return f.d.err
}

// Same reports whether a and b refer to the same frame data.
func Same(a, b Frame) bool { return a.d == b.d }
