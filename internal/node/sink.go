package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
)

// NoSourceError is what Sink.Error reports while unbound.
const NoSourceError = "no source connected"

// ErrNoSource is returned by operations that need a bound source.
var ErrNoSource = errors.New(NoSourceError)

// Sink consumes frames from at most one source.
type Sink struct {
	ctx    *Context
	handle Handle
	name   string
	kind   string
	props  *property.Container
	refs   atomic.Int32
	logger *slog.Logger

	// mu covers the enable count and the source binding together, so a
	// rebind moves exactly one enable from the old source to the new one.
	mu        sync.Mutex
	enabled   int
	source    Handle
	destroyed bool

	descMu      sync.Mutex
	description string

	grabMu   sync.Mutex
	lastGrab time.Time
}

func newSink(c *Context, h Handle, name, kind string) *Sink {
	s := &Sink{
		ctx:    c,
		handle: h,
		name:   name,
		kind:   kind,
		logger: c.logger.With("sink", name),
	}
	s.refs.Store(1)
	s.props = property.NewContainer(name, s)
	s.props.MarkCached()
	return s
}

func (s *Sink) Handle() Handle { return s.handle }
func (s *Sink) Name() string   { return s.name }
func (s *Sink) Kind() string   { return s.kind }

func (s *Sink) Properties() *property.Container { return s.props }

func (s *Sink) Description() string {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	return s.description
}

func (s *Sink) SetDescription(d string) {
	s.descMu.Lock()
	s.description = d
	s.descMu.Unlock()
}

// lookupSource resolves the bound handle; nil when unbound or the source
// is gone.
func (s *Sink) lookupSource(h Handle) *Source {
	if h == 0 {
		return nil
	}
	src, err := s.ctx.Source(h)
	if err != nil {
		return nil
	}
	return src
}

// Enable counts one consumer of this sink. The first enable enables the
// sink on its source.
func (s *Sink) Enable() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.enabled++
	first := s.enabled == 1
	if first {
		if src := s.lookupSource(s.source); src != nil {
			src.EnableSink()
		}
	}
	s.mu.Unlock()

	if first {
		s.ctx.notify(notifier.Event{Kind: notifier.SinkEnabled, Sink: uint64(s.handle), Name: s.name})
	}
}

// Disable reverses Enable.
func (s *Sink) Disable() {
	s.mu.Lock()
	if s.enabled == 0 {
		s.mu.Unlock()
		return
	}
	s.enabled--
	last := s.enabled == 0
	if last {
		if src := s.lookupSource(s.source); src != nil {
			src.DisableSink()
		}
	}
	s.mu.Unlock()

	if last {
		s.ctx.notify(notifier.Event{Kind: notifier.SinkDisabled, Sink: uint64(s.handle), Name: s.name})
	}
}

func (s *Sink) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled > 0
}

// SetSource binds the sink to h, or unbinds it when h is zero. An enabled
// sink's enable moves from the old source to the new one.
func (s *Sink) SetSource(h Handle) error {
	var next *Source
	if h != 0 {
		src, err := s.ctx.Source(h)
		if err != nil {
			return err
		}
		next = src
	}

	s.mu.Lock()
	if s.source == h {
		s.mu.Unlock()
		return nil
	}
	if old := s.lookupSource(s.source); old != nil {
		if s.enabled > 0 {
			old.DisableSink()
		}
		old.RemoveSink()
	}
	s.source = h
	if next != nil {
		next.AddSink()
		if s.enabled > 0 {
			next.EnableSink()
		}
	}
	s.mu.Unlock()

	s.grabMu.Lock()
	s.lastGrab = time.Time{}
	s.grabMu.Unlock()

	name := ""
	if next != nil {
		name = next.Name()
	}
	s.logger.Debug("Sink source changed", "source", name)
	s.ctx.notify(notifier.Event{Kind: notifier.SinkSourceChanged, Sink: uint64(s.handle), Source: uint64(h), Name: name})
	return nil
}

// SourceHandle is the bound source handle, zero when unbound.
func (s *Sink) SourceHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Source resolves the bound source.
func (s *Sink) Source() (*Source, error) {
	h := s.SourceHandle()
	if h == 0 {
		return nil, ErrNoSource
	}
	return s.ctx.Source(h)
}

// Error is the error of the bound source's latest frame.
func (s *Sink) Error() string {
	src, err := s.Source()
	if err != nil {
		return NoSourceError
	}
	f := src.CurrentFrame()
	defer f.Release()
	return f.Error()
}

// GrabFrame waits for a frame newer than the last one this sink grabbed
// and returns a retained reference.
func (s *Sink) GrabFrame(ctx context.Context) (frame.Frame, error) {
	src, err := s.Source()
	if err != nil {
		return frame.Frame{}, err
	}
	s.grabMu.Lock()
	after := s.lastGrab
	s.grabMu.Unlock()

	f, err := src.NextFrame(ctx, after)
	if err != nil {
		return frame.Frame{}, err
	}
	s.grabMu.Lock()
	s.lastGrab = f.Time()
	s.grabMu.Unlock()
	return f, nil
}

// GrabFrameTimeout is GrabFrame bounded by d.
func (s *Sink) GrabFrameTimeout(d time.Duration) (frame.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.GrabFrame(ctx)
}

// UpdatePropertyValue implements property.Owner.
func (s *Sink) UpdatePropertyValue(index int, isString bool, value int, str string) {
	p, err := s.props.Get(index)
	if err != nil {
		return
	}
	s.ctx.notify(notifier.Event{
		Kind:         notifier.SinkPropertyValueUpdated,
		Sink:         uint64(s.handle),
		Name:         p.Name,
		Property:     index,
		PropertyKind: p.Kind,
		Value:        p.Value,
		ValueStr:     p.ValueStr,
	})
}

// CreateProperty defines a numeric sink property and notifies listeners.
func (s *Sink) CreateProperty(name string, kind property.Kind, min, max, step, def, value int) int {
	i := s.props.Create(name, kind, min, max, step, def, value)
	p, _ := s.props.Get(i)
	s.ctx.notify(notifier.Event{
		Kind:         notifier.SinkPropertyCreated,
		Sink:         uint64(s.handle),
		Name:         name,
		Property:     i,
		PropertyKind: kind,
		Value:        p.Value,
	})
	return i
}

// SetEnumChoices replaces the choices of an enum sink property.
func (s *Sink) SetEnumChoices(index int, choices []string) error {
	if err := s.props.SetChoices(index, choices); err != nil {
		return err
	}
	name, _ := s.props.Name(index)
	s.ctx.notify(notifier.Event{Kind: notifier.SinkPropertyChoicesUpdated, Sink: uint64(s.handle), Name: name, Property: index})
	return nil
}

type sinkConfig struct {
	Properties []property.Entry `json:"properties,omitempty"`
}

// SetConfigJSON applies {"properties": [...]} to the sink.
func (s *Sink) SetConfigJSON(data []byte) error {
	var cfg sinkConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("sink %s config: %w", s.name, err)
	}
	return s.props.SetEntries(cfg.Properties)
}

// ConfigJSON is the inverse of SetConfigJSON.
func (s *Sink) ConfigJSON() ([]byte, error) {
	entries, err := s.props.Entries()
	if err != nil {
		return nil, err
	}
	return json.Marshal(sinkConfig{Properties: entries})
}

func (s *Sink) describe(send func(notifier.Event)) {
	h := uint64(s.handle)
	send(notifier.Event{Kind: notifier.SinkCreated, Sink: h, Name: s.name})
	if src := s.SourceHandle(); src != 0 {
		send(notifier.Event{Kind: notifier.SinkSourceChanged, Sink: h, Source: uint64(src)})
	}
	if s.IsEnabled() {
		send(notifier.Event{Kind: notifier.SinkEnabled, Sink: h, Name: s.name})
	}
	props, err := s.props.All()
	if err != nil {
		return
	}
	for _, p := range props {
		idx, _ := s.props.Lookup(p.Name)
		send(notifier.Event{
			Kind:         notifier.SinkPropertyCreated,
			Sink:         h,
			Name:         p.Name,
			Property:     idx,
			PropertyKind: p.Kind,
			Value:        p.Value,
			ValueStr:     p.ValueStr,
		})
	}
}

func (s *Sink) destroy() {
	s.mu.Lock()
	s.destroyed = true
	if src := s.lookupSource(s.source); src != nil {
		if s.enabled > 0 {
			src.DisableSink()
		}
		src.RemoveSink()
	}
	s.enabled = 0
	s.source = 0
	s.mu.Unlock()

	s.logger.Debug("Sink destroyed")
	s.ctx.notify(notifier.Event{Kind: notifier.SinkDestroyed, Sink: uint64(s.handle), Name: s.name})
}
