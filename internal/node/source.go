package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/status"
)

// ConnectionStrategy decides when a source runs its driver.
type ConnectionStrategy int

const (
	// AutoManage runs the driver while at least one sink is enabled.
	AutoManage ConnectionStrategy = iota
	// KeepOpen runs the driver regardless of sinks.
	KeepOpen
	// ForceClose never runs the driver.
	ForceClose
)

func (cs ConnectionStrategy) String() string {
	switch cs {
	case KeepOpen:
		return "open"
	case ForceClose:
		return "close"
	}
	return "auto"
}

// ParseConnectionStrategy accepts "auto", "open" and "close"
// (case-insensitive).
func ParseConnectionStrategy(s string) (ConnectionStrategy, error) {
	switch strings.ToLower(s) {
	case "auto", "automanage":
		return AutoManage, nil
	case "open", "keepopen":
		return KeepOpen, nil
	case "close", "forceclose":
		return ForceClose, nil
	}
	return AutoManage, fmt.Errorf("unknown connection strategy %q", s)
}

// FrameListener is called inline by PutFrame. The frame is borrowed for
// the duration of the call; Retain it to keep it longer.
type FrameListener func(f frame.Frame)

type frameListener struct {
	id int
	fn FrameListener
}

// Source produces frames. Frames are published through a single latest-
// frame slot; waiters and listeners are woken on every new frame.
type Source struct {
	ctx    *Context
	handle Handle
	name   string
	kind   string
	driver Driver
	props  *property.Container
	refs   atomic.Int32
	logger *slog.Logger

	frameMu  sync.Mutex
	current  frame.Frame
	frameSig chan struct{}

	listenersMu    sync.Mutex
	listeners      atomic.Pointer[[]frameListener]
	nextListenerID int

	// wantMu serializes every transition that may start or stop the driver
	wantMu sync.Mutex
	modeMu sync.Mutex

	mu          sync.Mutex
	description string
	connected   bool
	strategy    ConnectionStrategy
	mode        frame.VideoMode
	numSinks    int
	numEnabled  int
	running     bool
	destroyed   bool
}

func newSource(c *Context, h Handle, name, kind string, driver Driver) *Source {
	s := &Source{
		ctx:      c,
		handle:   h,
		name:     name,
		kind:     kind,
		driver:   driver,
		frameSig: make(chan struct{}),
		logger:   c.logger.With("source", name),
	}
	s.refs.Store(1)
	s.props = property.NewContainer(name, s)
	return s
}

func (s *Source) Handle() Handle { return s.handle }
func (s *Source) Name() string   { return s.name }
func (s *Source) Kind() string   { return s.kind }

// Properties is the source's property container.
func (s *Source) Properties() *property.Container { return s.props }

// Pool is the frame pool drivers allocate from.
func (s *Source) Pool() *frame.Pool { return s.ctx.pool }

func (s *Source) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

func (s *Source) SetDescription(d string) {
	s.mu.Lock()
	s.description = d
	s.mu.Unlock()
}

// PutFrame publishes f, taking over the caller's reference. The previous
// frame is released after all frame listeners have run.
func (s *Source) PutFrame(f frame.Frame) {
	if f.IsZero() {
		return
	}
	s.frameMu.Lock()
	old := s.current
	s.current = f
	f.Retain()
	sig := s.frameSig
	s.frameSig = make(chan struct{})
	s.frameMu.Unlock()
	close(sig)

	if ls := s.listeners.Load(); ls != nil {
		for _, l := range *ls {
			s.callFrameListener(l, f)
		}
	}
	f.Release()
	old.Release()
}

func (s *Source) callFrameListener(l frameListener, f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Frame listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(f)
}

// PutError publishes an error frame.
func (s *Source) PutError(msg string, t time.Time) {
	s.PutFrame(s.ctx.pool.Error(msg, t))
}

// CurrentFrame returns a retained reference to the latest frame, or the
// zero Frame. The caller must Release it.
func (s *Source) CurrentFrame() frame.Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.current.Retain()
}

// NextFrame waits for a frame newer than after and returns a retained
// reference to it.
func (s *Source) NextFrame(ctx context.Context, after time.Time) (frame.Frame, error) {
	for {
		s.frameMu.Lock()
		cur, sig := s.current, s.frameSig
		if !cur.IsZero() && cur.Time().After(after) {
			cur.Retain()
			s.frameMu.Unlock()
			return cur, nil
		}
		s.frameMu.Unlock()

		select {
		case <-sig:
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// AddFrameListener registers fn to run inline on every PutFrame, in
// registration order.
func (s *Source) AddFrameListener(fn FrameListener) int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListenerID++
	var next []frameListener
	if cur := s.listeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, frameListener{id: s.nextListenerID, fn: fn})
	s.listeners.Store(&next)
	return s.nextListenerID
}

// RemoveFrameListener unregisters id. A PutFrame already running may still
// call it once.
func (s *Source) RemoveFrameListener(id int) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	cur := s.listeners.Load()
	if cur == nil {
		return
	}
	next := make([]frameListener, 0, len(*cur))
	for _, l := range *cur {
		if l.id != id {
			next = append(next, l)
		}
	}
	s.listeners.Store(&next)
}

// SetConnected records the device connection state. Only changes are
// notified.
func (s *Source) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()

	kind := notifier.SourceDisconnected
	if connected {
		kind = notifier.SourceConnected
	}
	s.logger.Info("Source connection changed", "connected", connected)
	s.ctx.notify(notifier.Event{Kind: kind, Source: uint64(s.handle), Name: s.name})
}

func (s *Source) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AddSink counts a sink bound to this source.
func (s *Source) AddSink() {
	s.mu.Lock()
	s.numSinks++
	s.mu.Unlock()
}

func (s *Source) RemoveSink() {
	s.mu.Lock()
	if s.numSinks > 0 {
		s.numSinks--
	}
	s.mu.Unlock()
}

// EnableSink counts an enabled consumer and starts the driver if the
// source becomes wanted.
func (s *Source) EnableSink() {
	s.wantMu.Lock()
	defer s.wantMu.Unlock()
	s.mu.Lock()
	s.numEnabled++
	s.mu.Unlock()
	s.updateRunning()
}

// DisableSink reverses EnableSink.
func (s *Source) DisableSink() {
	s.wantMu.Lock()
	defer s.wantMu.Unlock()
	s.mu.Lock()
	if s.numEnabled > 0 {
		s.numEnabled--
	}
	s.mu.Unlock()
	s.updateRunning()
}

// Sinks is the number of bound sinks.
func (s *Source) Sinks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numSinks
}

// EnabledSinks is the number of enabled consumers.
func (s *Source) EnabledSinks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numEnabled
}

// IsEnabled reports whether the source wants its driver running.
func (s *Source) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantedLocked()
}

func (s *Source) ConnectionStrategy() ConnectionStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *Source) SetConnectionStrategy(cs ConnectionStrategy) {
	s.wantMu.Lock()
	defer s.wantMu.Unlock()
	s.mu.Lock()
	s.strategy = cs
	s.mu.Unlock()
	s.updateRunning()
}

func (s *Source) wantedLocked() bool {
	if s.destroyed {
		return false
	}
	switch s.strategy {
	case KeepOpen:
		return true
	case ForceClose:
		return false
	}
	return s.numEnabled > 0
}

// updateRunning starts or stops the driver to match the wanted state.
// wantMu must be held.
func (s *Source) updateRunning() {
	s.mu.Lock()
	want, running := s.wantedLocked(), s.running
	s.mu.Unlock()
	if want == running {
		return
	}

	if s.driver != nil {
		if want {
			s.logger.Debug("Starting source driver")
			if err := s.driver.Start(s); err != nil {
				s.logger.Warn("Source driver failed to start", "error", err)
				s.PutError(err.Error(), time.Now())
				return
			}
		} else {
			s.logger.Debug("Stopping source driver")
			if err := s.driver.Stop(); err != nil {
				s.logger.Warn("Source driver failed to stop", "error", err)
			}
		}
	}

	s.mu.Lock()
	s.running = want
	s.mu.Unlock()
}

// Running reports whether the driver is started.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// UpdatePropertyValue implements property.Owner.
func (s *Source) UpdatePropertyValue(index int, isString bool, value int, str string) {
	p, err := s.props.Get(index)
	if err != nil {
		return
	}
	if a, ok := s.driver.(PropertyApplier); ok {
		if err := a.ApplyProperty(p.Name, isString, value, str); err != nil {
			s.logger.Warn("Could not apply property", "property", p.Name, "error", err)
		}
	}
	if !s.props.Cached() {
		return
	}
	// the driver may have put the stored value back
	if p, err = s.props.Get(index); err != nil {
		return
	}
	s.ctx.notify(notifier.Event{
		Kind:         notifier.SourcePropertyValueUpdated,
		Source:       uint64(s.handle),
		Name:         p.Name,
		Property:     index,
		PropertyKind: p.Kind,
		Value:        p.Value,
		ValueStr:     p.ValueStr,
	})
}

// CacheProperties implements property.Cacher.
func (s *Source) CacheProperties() error {
	if c, ok := s.driver.(PropertyCacher); ok {
		return c.CacheProperties(s.props)
	}
	return nil
}

// CreateProperty defines a numeric property and notifies listeners.
func (s *Source) CreateProperty(name string, kind property.Kind, min, max, step, def, value int) int {
	i := s.props.Create(name, kind, min, max, step, def, value)
	s.notifyProperty(notifier.SourcePropertyCreated, i)
	return i
}

// CreateStringProperty defines a string property and notifies listeners.
func (s *Source) CreateStringProperty(name, value string) int {
	i := s.props.CreateString(name, value)
	s.notifyProperty(notifier.SourcePropertyCreated, i)
	return i
}

// SetEnumChoices replaces the choices of an enum property.
func (s *Source) SetEnumChoices(index int, choices []string) error {
	if err := s.props.SetChoices(index, choices); err != nil {
		return err
	}
	s.notifyProperty(notifier.SourcePropertyChoicesUpdated, index)
	return nil
}

func (s *Source) notifyProperty(kind notifier.Kind, index int) {
	if !s.props.Cached() {
		return
	}
	p, err := s.props.Get(index)
	if err != nil {
		return
	}
	s.ctx.notify(notifier.Event{
		Kind:         kind,
		Source:       uint64(s.handle),
		Name:         p.Name,
		Property:     index,
		PropertyKind: p.Kind,
		Value:        p.Value,
		ValueStr:     p.ValueStr,
	})
}

// VideoMode is the configured capture mode.
func (s *Source) VideoMode() frame.VideoMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetVideoMode asks the driver to switch modes and records the result.
func (s *Source) SetVideoMode(m frame.VideoMode) error {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.setVideoModeLocked(m)
}

func (s *Source) setVideoModeLocked(m frame.VideoMode) error {
	if ms, ok := s.driver.(ModeSetter); ok {
		if err := ms.SetVideoMode(m); err != nil {
			return err
		}
	}
	s.mu.Lock()
	changed := s.mode != m
	s.mode = m
	s.mu.Unlock()
	if changed {
		s.ctx.notify(notifier.Event{
			Kind:   notifier.SourceVideoModeChanged,
			Source: uint64(s.handle),
			Name:   s.name,
			Mode:   m,
		})
	}
	return nil
}

func (s *Source) updateMode(fn func(m *frame.VideoMode)) error {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	m := s.VideoMode()
	fn(&m)
	return s.setVideoModeLocked(m)
}

func (s *Source) SetPixelFormat(pf frame.PixelFormat) error {
	return s.updateMode(func(m *frame.VideoMode) { m.PixelFormat = pf })
}

func (s *Source) SetResolution(width, height int) error {
	return s.updateMode(func(m *frame.VideoMode) { m.Width, m.Height = width, height })
}

func (s *Source) SetFPS(fps int) error {
	return s.updateMode(func(m *frame.VideoMode) { m.FPS = fps })
}

// VideoModes lists the supported modes; without driver support it is just
// the current mode.
func (s *Source) VideoModes() []frame.VideoMode {
	if ml, ok := s.driver.(ModeLister); ok {
		return ml.VideoModes()
	}
	return []frame.VideoMode{s.VideoMode()}
}

// NotifyVideoModesUpdated is called by drivers when VideoModes changes.
func (s *Source) NotifyVideoModesUpdated() {
	s.ctx.notify(notifier.Event{Kind: notifier.SourceVideoModesUpdated, Source: uint64(s.handle), Name: s.name})
}

func (s *Source) controls() (CameraControls, error) {
	if c, ok := s.driver.(CameraControls); ok {
		return c, nil
	}
	return nil, status.ErrInvalidHandle
}

func (s *Source) SetBrightness(v int) error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetBrightness(v)
}

func (s *Source) Brightness() (int, error) {
	c, err := s.controls()
	if err != nil {
		return 0, err
	}
	return c.Brightness()
}

func (s *Source) SetWhiteBalanceAuto() error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetWhiteBalanceAuto()
}

func (s *Source) SetWhiteBalanceHoldCurrent() error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetWhiteBalanceHoldCurrent()
}

func (s *Source) SetWhiteBalanceManual(v int) error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetWhiteBalanceManual(v)
}

func (s *Source) SetExposureAuto() error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetExposureAuto()
}

func (s *Source) SetExposureHoldCurrent() error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetExposureHoldCurrent()
}

func (s *Source) SetExposureManual(v int) error {
	c, err := s.controls()
	if err != nil {
		return err
	}
	return c.SetExposureManual(v)
}

// describe emits the events a new listener needs to learn this source.
func (s *Source) describe(send func(notifier.Event)) {
	h := uint64(s.handle)
	send(notifier.Event{Kind: notifier.SourceCreated, Source: h, Name: s.name})
	if s.IsConnected() {
		send(notifier.Event{Kind: notifier.SourceConnected, Source: h, Name: s.name})
	}
	send(notifier.Event{Kind: notifier.SourceVideoModeChanged, Source: h, Name: s.name, Mode: s.VideoMode()})
	props, err := s.props.All()
	if err != nil {
		return
	}
	for _, p := range props {
		idx, _ := s.props.Lookup(p.Name)
		send(notifier.Event{
			Kind:         notifier.SourcePropertyCreated,
			Source:       h,
			Name:         p.Name,
			Property:     idx,
			PropertyKind: p.Kind,
			Value:        p.Value,
			ValueStr:     p.ValueStr,
		})
	}
}

func (s *Source) destroy() {
	s.wantMu.Lock()
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.updateRunning()
	s.wantMu.Unlock()

	s.frameMu.Lock()
	cur := s.current
	s.current = frame.Frame{}
	s.frameMu.Unlock()
	cur.Release()

	s.logger.Debug("Source destroyed")
	s.ctx.notify(notifier.Event{Kind: notifier.SourceDestroyed, Source: uint64(s.handle), Name: s.name})
}
