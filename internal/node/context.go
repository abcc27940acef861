// Package node implements sources, which produce frames, and sinks, which
// consume them, plus the Context that owns both.
package node

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dchest/uniuri"
	"github.com/vishalkuo/bimap"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// Context owns every node, the frame pool and the event notifier. Nodes
// refer to each other by Handle and resolve handles through the Context.
type Context struct {
	notifier *notifier.Notifier
	pool     *frame.Pool

	sources *arena[*Source]
	sinks   *arena[*Sink]

	sourceNames *bimap.BiMap[string, Handle]
	sinkNames   *bimap.BiMap[string, Handle]
	nameLock    keymutex.KeyMutex

	closed atomic.Bool
	logger *slog.Logger
}

// Option configures a Context.
type Option func(*contextOptions)

type contextOptions struct {
	pool          *frame.Pool
	notifierHooks []notifier.Option
}

// WithPool shares an existing frame pool.
func WithPool(p *frame.Pool) Option {
	return func(o *contextOptions) { o.pool = p }
}

// WithNotifierHooks runs onStart and onExit on the notifier goroutine.
func WithNotifierHooks(onStart, onExit func()) Option {
	return func(o *contextOptions) {
		o.notifierHooks = append(o.notifierHooks, notifier.WithHooks(onStart, onExit))
	}
}

// NewContext creates a context and starts its notifier.
func NewContext(opts ...Option) *Context {
	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = frame.NewPool(0)
	}
	c := &Context{
		notifier:    notifier.New(o.notifierHooks...),
		pool:        o.pool,
		sources:     newArena[*Source](kindSource),
		sinks:       newArena[*Sink](kindSink),
		sourceNames: bimap.NewBiMap[string, Handle](),
		sinkNames:   bimap.NewBiMap[string, Handle](),
		nameLock:    keymutex.NewHashed(64),
		logger:      util.GetLogger().With("component", "node"),
	}
	c.notifier.Start()
	return c
}

func (c *Context) Pool() *frame.Pool            { return c.pool }
func (c *Context) Notifier() *notifier.Notifier { return c.notifier }

func (c *Context) notify(ev notifier.Event) {
	c.notifier.Notify(ev)
}

func defaultName(prefix string) string {
	return prefix + "-" + strings.ToLower(uniuri.NewLen(6))
}

// CreateSource registers a source backed by driver. An empty name gets a
// generated one. driver may be nil for sources fed only through PutFrame.
func (c *Context) CreateSource(name, kind string, driver Driver) (*Source, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("context is shut down")
	}
	if name == "" {
		name = defaultName(kind)
	}
	key := "source/" + name
	c.nameLock.LockKey(key)
	defer c.nameLock.UnlockKey(key)

	if c.sourceNames.Exists(name) {
		return nil, fmt.Errorf("source %q already exists", name)
	}
	h, s := c.sources.insert(func(h Handle) *Source {
		return newSource(c, h, name, kind, driver)
	})
	c.sourceNames.Insert(name, h)

	c.logger.Debug("Source created", "source", name, "kind", kind, "handle", h.String())
	c.notify(notifier.Event{Kind: notifier.SourceCreated, Source: uint64(h), Name: name})
	return s, nil
}

// Source resolves a source handle.
func (c *Context) Source(h Handle) (*Source, error) {
	return c.sources.get(h)
}

// SourceByName resolves a source name.
func (c *Context) SourceByName(name string) (*Source, error) {
	h, ok := c.sourceNames.Get(name)
	if !ok {
		return nil, fmt.Errorf("source %q not found", name)
	}
	return c.sources.get(h)
}

// Sources lists live sources in creation-slot order.
func (c *Context) Sources() []*Source { return c.sources.values() }

// CopySource takes another reference to a source.
func (c *Context) CopySource(h Handle) error {
	s, err := c.sources.get(h)
	if err != nil {
		return err
	}
	s.refs.Add(1)
	return nil
}

// ReleaseSource drops a reference; the source is destroyed when the last
// one goes.
func (c *Context) ReleaseSource(h Handle) error {
	s, err := c.sources.get(h)
	if err != nil {
		return err
	}
	if s.refs.Add(-1) != 0 {
		return nil
	}
	if _, err := c.sources.remove(h); err != nil {
		return err
	}
	c.sourceNames.Delete(s.name)
	s.destroy()
	return nil
}

// CreateSink registers a sink. An empty name gets a generated one.
func (c *Context) CreateSink(name, kind string) (*Sink, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("context is shut down")
	}
	if name == "" {
		name = defaultName(kind)
	}
	key := "sink/" + name
	c.nameLock.LockKey(key)
	defer c.nameLock.UnlockKey(key)

	if c.sinkNames.Exists(name) {
		return nil, fmt.Errorf("sink %q already exists", name)
	}
	h, s := c.sinks.insert(func(h Handle) *Sink {
		return newSink(c, h, name, kind)
	})
	c.sinkNames.Insert(name, h)

	c.logger.Debug("Sink created", "sink", name, "kind", kind, "handle", h.String())
	c.notify(notifier.Event{Kind: notifier.SinkCreated, Sink: uint64(h), Name: name})
	return s, nil
}

func (c *Context) Sink(h Handle) (*Sink, error) {
	return c.sinks.get(h)
}

func (c *Context) SinkByName(name string) (*Sink, error) {
	h, ok := c.sinkNames.Get(name)
	if !ok {
		return nil, fmt.Errorf("sink %q not found", name)
	}
	return c.sinks.get(h)
}

func (c *Context) Sinks() []*Sink { return c.sinks.values() }

func (c *Context) CopySink(h Handle) error {
	s, err := c.sinks.get(h)
	if err != nil {
		return err
	}
	s.refs.Add(1)
	return nil
}

func (c *Context) ReleaseSink(h Handle) error {
	s, err := c.sinks.get(h)
	if err != nil {
		return err
	}
	if s.refs.Add(-1) != 0 {
		return nil
	}
	if _, err := c.sinks.remove(h); err != nil {
		return err
	}
	c.sinkNames.Delete(s.name)
	s.destroy()
	return nil
}

// AddListener subscribes fn to the kinds in mask. With immediate set, fn
// first receives events describing the current state of every node.
func (c *Context) AddListener(fn notifier.Listener, mask notifier.Kind, immediate bool) int {
	id := c.notifier.AddListener(fn, mask)
	if !immediate {
		return id
	}
	send := func(ev notifier.Event) {
		if ev.Kind&mask != 0 {
			c.notifier.NotifyListener(id, ev)
		}
	}
	for _, s := range c.Sources() {
		s.describe(send)
	}
	for _, s := range c.Sinks() {
		s.describe(send)
	}
	return id
}

func (c *Context) RemoveListener(id int) {
	c.notifier.RemoveListener(id)
}

// Shutdown destroys every node and stops the notifier.
func (c *Context) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range c.Sinks() {
		if _, err := c.sinks.remove(s.handle); err == nil {
			c.sinkNames.Delete(s.name)
			s.destroy()
		}
	}
	for _, s := range c.Sources() {
		if _, err := c.sources.remove(s.handle); err == nil {
			c.sourceNames.Delete(s.name)
			s.destroy()
		}
	}
	c.notifier.Stop()
}
