package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// ErrLoopClosed is returned by Call once the loop has stopped.
var ErrLoopClosed = errors.New("event loop closed")

// Loop runs posted functions one at a time on a single goroutine. All
// stream state is owned by the loop; other goroutines reach it only
// through Post and Call.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}

	logger *slog.Logger
}

func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: util.GetLogger().With("component", "loop"),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop runs every function already posted, then exits the goroutine and
// waits for it. Stop must not be called from the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}

// Post queues fn and returns false if the loop is closed. It never blocks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop.
func (l *Loop) Call(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// Stop drains the queue, so fn ran unless it was posted too late
		select {
		case <-ran:
			return nil
		default:
			return ErrLoopClosed
		}
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			closed := l.closed
			l.mu.Unlock()

			for _, fn := range batch {
				l.safeRun(fn)
			}
			if len(batch) > 0 {
				continue
			}
			if closed {
				return
			}
			break
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Timer is a loop timer: its callback runs on the loop. Stop and Reset
// must be called from the loop; a stopped timer's pending callback is
// discarded.
type Timer struct {
	loop    *Loop
	t       *time.Timer
	fn      func()
	period  time.Duration
	gen     atomic.Uint64
	stopped bool
}

// AfterFunc runs fn on the loop once after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return l.newTimer(d, 0, fn)
}

// Every runs fn on the loop every d.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	return l.newTimer(d, d, fn)
}

func (l *Loop) newTimer(d, period time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, period: period}
	t.t = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	gen := t.gen.Load()
	t.loop.Post(func() {
		if t.stopped || t.gen.Load() != gen {
			return
		}
		if t.period > 0 {
			t.t.Reset(t.period)
		}
		t.fn()
	})
}

// Reset re-arms the timer to fire after d, discarding a pending firing.
func (t *Timer) Reset(d time.Duration) {
	if t.stopped {
		return
	}
	t.gen.Add(1)
	t.t.Stop()
	t.t.Reset(d)
}

// Stop disarms the timer for good.
func (t *Timer) Stop() {
	t.stopped = true
	t.gen.Add(1)
	t.t.Stop()
}
