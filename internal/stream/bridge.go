package stream

import (
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
)

// bridge hands frames from capture goroutines to the loop. It holds at
// most one undelivered frame: a newer frame replaces it and the replaced
// one counts as dropped. At most one drain is queued on the loop at a
// time, so a fast source cannot flood the loop.
type bridge struct {
	loop    *Loop
	deliver func(frame.Frame)

	mu        sync.Mutex
	pending   frame.Frame
	scheduled bool
	closed    bool

	drops atomic.Uint64
}

func newBridge(loop *Loop, deliver func(frame.Frame)) *bridge {
	return &bridge{loop: loop, deliver: deliver}
}

// push may be called from any goroutine. f is borrowed; the bridge takes
// its own reference.
func (b *bridge) push(f frame.Frame) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prev := b.pending
	b.pending = f.Retain()
	schedule := !b.scheduled
	b.scheduled = true
	b.mu.Unlock()

	if !prev.IsZero() {
		b.drops.Add(1)
		prev.Release()
	}
	if schedule && !b.loop.Post(b.drain) {
		b.close()
	}
}

// drain runs on the loop. deliver borrows the frame.
func (b *bridge) drain() {
	b.mu.Lock()
	f := b.pending
	b.pending = frame.Frame{}
	b.scheduled = false
	closed := b.closed
	b.mu.Unlock()

	if f.IsZero() {
		return
	}
	if !closed {
		b.deliver(f)
	}
	f.Release()
}

// close drops the pending frame; later pushes are ignored.
func (b *bridge) close() {
	b.mu.Lock()
	b.closed = true
	f := b.pending
	b.pending = frame.Frame{}
	b.mu.Unlock()
	f.Release()
}

func (b *bridge) dropped() uint64 { return b.drops.Load() }
