// Package notifier delivers node events to listeners on a dedicated
// goroutine, so producers never block on slow listeners.
package notifier

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// Listener receives events on the notifier goroutine.
type Listener func(Event)

type listener struct {
	id      int
	mask    Kind
	fn      Listener
	removed atomic.Bool
}

type queued struct {
	ev     Event
	target int // 0 delivers to every matching listener
}

// Notifier is an event queue with one dispatch goroutine.
type Notifier struct {
	mu        sync.Mutex
	listeners []*listener
	nextID    int
	queue     []queued

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	destroyed atomic.Bool

	onStart func()
	onExit  func()
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHooks sets functions run on the dispatch goroutine when it starts
// and right before it exits.
func WithHooks(onStart, onExit func()) Option {
	return func(n *Notifier) {
		n.onStart = onStart
		n.onExit = onExit
	}
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		logger: util.GetLogger().With("component", "notifier"),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Start launches the dispatch goroutine. Events queued earlier are
// delivered once it runs.
func (n *Notifier) Start() {
	if n.destroyed.Load() || !n.started.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go n.run()
}

// Stop drains the queue, runs the exit hook and waits for the goroutine.
// After Stop every Notify is dropped. Stop must not be called from a
// listener.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		n.wg.Wait()
		n.destroyed.Store(true)
		n.mu.Lock()
		n.queue = nil
		n.mu.Unlock()
	})
}

// Destroyed reports whether Stop has completed.
func (n *Notifier) Destroyed() bool { return n.destroyed.Load() }

// AddListener registers fn for the kinds in mask and returns its id.
func (n *Notifier) AddListener(fn Listener, mask Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.listeners = append(n.listeners, &listener{id: n.nextID, mask: mask, fn: fn})
	return n.nextID
}

// RemoveListener unregisters id. Events already being dispatched are not
// delivered to it once this returns.
func (n *Notifier) RemoveListener(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, l := range n.listeners {
		if l.id == id {
			l.removed.Store(true)
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

// Notify queues ev for every listener whose mask matches. It never
// blocks. A value or mode update replaces a queued update for the same
// target still waiting for dispatch.
func (n *Notifier) Notify(ev Event) {
	n.enqueue(queued{ev: ev})
}

// NotifyListener queues ev for listener id only, regardless of its mask.
func (n *Notifier) NotifyListener(id int, ev Event) {
	n.enqueue(queued{ev: ev, target: id})
}

func (n *Notifier) enqueue(q queued) {
	if n.destroyed.Load() {
		return
	}
	n.mu.Lock()
	replaced := false
	if q.target == 0 && q.ev.Kind&coalesced != 0 {
		for i := len(n.queue) - 1; i >= 0; i-- {
			if n.queue[i].target == 0 && n.queue[i].ev.sameTarget(q.ev) {
				n.queue[i] = q
				replaced = true
				break
			}
		}
	}
	if !replaced {
		n.queue = append(n.queue, q)
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	if n.onStart != nil {
		n.onStart()
	}
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.stop:
			n.drain()
			if n.onExit != nil {
				n.onExit()
			}
			return
		}
	}
}

func (n *Notifier) drain() {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		snapshot := append([]*listener(nil), n.listeners...)
		n.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, q := range batch {
			for _, l := range snapshot {
				if l.removed.Load() {
					continue
				}
				if q.target != 0 {
					if l.id != q.target {
						continue
					}
				} else if l.mask&q.ev.Kind == 0 {
					continue
				}
				n.deliver(l, q.ev)
			}
		}
	}
}

func (n *Notifier) deliver(l *listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Listener panicked", "listener", l.id, "event", ev.Kind.String(), "panic", r)
		}
	}()
	l.fn(ev)
}
