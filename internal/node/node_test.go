package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/status"
)

type mockDriver struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	modeErr  error
	applied  []string
	cache    func(*property.Container) error
}

func (d *mockDriver) Start(*Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.starts++
	return nil
}

func (d *mockDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *mockDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

func (d *mockDriver) SetVideoMode(frame.VideoMode) error { return d.modeErr }

func (d *mockDriver) ApplyProperty(name string, isString bool, value int, str string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, name)
	return nil
}

func (d *mockDriver) CacheProperties(props *property.Container) error {
	if d.cache == nil {
		return nil
	}
	return d.cache(props)
}

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext()
	t.Cleanup(c.Shutdown)
	return c
}

func mjpegFrame(c *Context, ts time.Time) frame.Frame {
	return c.Pool().Copy([]byte{0xff, 0xd8, 0xff, 0xd9}, frame.Info{PixelFormat: frame.MJPEG, Width: 1, Height: 1, Time: ts})
}

func TestHandleGenerations(t *testing.T) {
	c := newTestContext(t)
	a, err := c.CreateSource("a", "test", nil)
	require.NoError(t, err)
	h := a.Handle()
	assert.True(t, h.IsSource())
	assert.False(t, h.IsSink())

	require.NoError(t, c.ReleaseSource(h))
	_, err = c.Source(h)
	assert.ErrorIs(t, err, status.ErrInvalidHandle)

	b, err := c.CreateSource("b", "test", nil)
	require.NoError(t, err)
	assert.Equal(t, h.index(), b.Handle().index(), "slot is reused")
	assert.NotEqual(t, h, b.Handle())
	_, err = c.Source(h)
	assert.ErrorIs(t, err, status.ErrInvalidHandle)

	_, err = c.Sink(b.Handle())
	assert.ErrorIs(t, err, status.ErrWrongHandleSubtype)
	_, err = c.Source(0)
	assert.ErrorIs(t, err, status.ErrInvalidHandle)
}

func TestNames(t *testing.T) {
	c := newTestContext(t)
	s, err := c.CreateSource("", "pattern", nil)
	require.NoError(t, err)
	assert.Regexp(t, `^pattern-[a-z0-9]{6}$`, s.Name())

	_, err = c.CreateSource(s.Name(), "pattern", nil)
	assert.Error(t, err)

	got, err := c.SourceByName(s.Name())
	require.NoError(t, err)
	assert.Same(t, s, got)
	_, err = c.SourceByName("missing")
	assert.Error(t, err)

	k, err := c.CreateSink("out", "mjpeg")
	require.NoError(t, err)
	gotSink, err := c.SinkByName("out")
	require.NoError(t, err)
	assert.Same(t, k, gotSink)
}

func TestReleaseSourceRefCount(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.CreateSource("cam", "test", nil)
	h := s.Handle()
	require.NoError(t, c.CopySource(h))

	require.NoError(t, c.ReleaseSource(h))
	_, err := c.Source(h)
	require.NoError(t, err, "one reference left")

	require.NoError(t, c.ReleaseSource(h))
	_, err = c.Source(h)
	assert.ErrorIs(t, err, status.ErrInvalidHandle)
	_, err = c.SourceByName("cam")
	assert.Error(t, err)
	assert.ErrorIs(t, c.ReleaseSource(h), status.ErrInvalidHandle)
}

func TestPutFrameReleasesPrevious(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.CreateSource("cam", "test", nil)
	now := time.Now()

	f1 := mjpegFrame(c, now)
	f2 := mjpegFrame(c, now.Add(time.Millisecond))
	free := c.Pool().Free()

	s.PutFrame(f1)
	assert.Equal(t, 1, f1.RefCount())
	s.PutFrame(f2)
	assert.Equal(t, 0, f1.RefCount())
	assert.Equal(t, free+1, c.Pool().Free())

	cur := s.CurrentFrame()
	assert.True(t, frame.Same(cur, f2))
	assert.Equal(t, 2, f2.RefCount())
	cur.Release()
}

func TestFrameListenersRunInOrder(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.CreateSource("cam", "test", nil)
	var order []int
	var kept frame.Frame
	first := s.AddFrameListener(func(f frame.Frame) { order = append(order, 1); kept = f.Retain() })
	second := s.AddFrameListener(func(frame.Frame) { order = append(order, 2) })
	s.AddFrameListener(func(frame.Frame) { panic("bad listener") })
	s.AddFrameListener(func(frame.Frame) { order = append(order, 4) })

	s.PutFrame(mjpegFrame(c, time.Now()))
	assert.Equal(t, []int{1, 2, 4}, order)
	assert.Equal(t, 2, kept.RefCount())

	s.RemoveFrameListener(first)
	s.RemoveFrameListener(second)
	s.PutFrame(mjpegFrame(c, time.Now().Add(time.Millisecond)))
	assert.Equal(t, []int{1, 2, 4, 4}, order)

	// the listener's reference outlives the slot
	assert.Equal(t, 1, kept.RefCount())
	kept.Release()
	assert.Equal(t, 0, kept.RefCount())
}

func TestNextFrame(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.CreateSource("cam", "test", nil)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.NextFrame(ctx, time.Time{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.PutFrame(mjpegFrame(c, start.Add(time.Second)))
	}()
	f, err := s.NextFrame(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second), f.Time())
	f.Release()
}

func TestDriverFollowsEnabledSinks(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{}
	s, _ := c.CreateSource("cam", "test", d)

	s.EnableSink()
	s.EnableSink()
	starts, stops := d.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.True(t, s.Running())

	s.DisableSink()
	assert.True(t, s.Running())
	s.DisableSink()
	s.DisableSink()
	starts, stops = d.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, s.EnabledSinks())
}

func TestConnectionStrategy(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{}
	s, _ := c.CreateSource("cam", "test", d)

	s.SetConnectionStrategy(KeepOpen)
	assert.True(t, s.Running())
	assert.True(t, s.IsEnabled())

	s.EnableSink()
	s.SetConnectionStrategy(ForceClose)
	assert.False(t, s.Running())
	s.SetConnectionStrategy(AutoManage)
	assert.True(t, s.Running())
	starts, stops := d.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)

	for _, tt := range []struct {
		in   string
		want ConnectionStrategy
	}{{"auto", AutoManage}, {"OPEN", KeepOpen}, {"close", ForceClose}} {
		got, err := ParseConnectionStrategy(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want, mustParse(t, got.String()))
	}
	_, err := ParseConnectionStrategy("sometimes")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) ConnectionStrategy {
	cs, err := ParseConnectionStrategy(s)
	require.NoError(t, err)
	return cs
}

func TestDriverStartFailurePublishesError(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{startErr: errors.New("no device")}
	s, _ := c.CreateSource("cam", "test", d)
	k, _ := c.CreateSink("out", "test")
	require.NoError(t, k.SetSource(s.Handle()))
	k.Enable()

	assert.False(t, s.Running())
	assert.Equal(t, "no device", k.Error())
}

func TestSinkRebindMovesOneEnable(t *testing.T) {
	c := newTestContext(t)
	da, db := &mockDriver{}, &mockDriver{}
	a, _ := c.CreateSource("a", "test", da)
	b, _ := c.CreateSource("b", "test", db)
	k, _ := c.CreateSink("out", "test")

	require.NoError(t, k.SetSource(a.Handle()))
	k.Enable()
	k.Enable()
	require.Equal(t, 1, a.EnabledSinks())
	require.Equal(t, 1, a.Sinks())

	require.NoError(t, k.SetSource(b.Handle()))
	assert.Equal(t, 0, a.EnabledSinks())
	assert.Equal(t, 0, a.Sinks())
	assert.Equal(t, 1, b.EnabledSinks())
	assert.Equal(t, 1, b.Sinks())

	aStarts, aStops := da.counts()
	bStarts, bStops := db.counts()
	assert.Equal(t, [2]int{1, 1}, [2]int{aStarts, aStops})
	assert.Equal(t, [2]int{1, 0}, [2]int{bStarts, bStops})

	// rebinding to the same source is a no-op
	require.NoError(t, k.SetSource(b.Handle()))
	assert.Equal(t, 1, b.EnabledSinks())

	k.Disable()
	assert.Equal(t, 1, b.EnabledSinks())
	k.Disable()
	assert.Equal(t, 0, b.EnabledSinks())

	assert.ErrorIs(t, k.SetSource(k.Handle()), status.ErrWrongHandleSubtype)
}

func TestSinkRebindConcurrent(t *testing.T) {
	c := newTestContext(t)
	a, _ := c.CreateSource("a", "test", &mockDriver{})
	b, _ := c.CreateSource("b", "test", &mockDriver{})
	k, _ := c.CreateSink("out", "test")
	require.NoError(t, k.SetSource(a.Handle()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					_ = k.SetSource(a.Handle())
				} else {
					_ = k.SetSource(b.Handle())
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k.Enable()
				k.Disable()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, a.EnabledSinks()+b.EnabledSinks())
	assert.Equal(t, 1, a.Sinks()+b.Sinks())

	k.Enable()
	assert.Equal(t, 1, a.EnabledSinks()+b.EnabledSinks())
}

func TestSinkErrorAndGrab(t *testing.T) {
	c := newTestContext(t)
	k, _ := c.CreateSink("out", "test")
	assert.Equal(t, NoSourceError, k.Error())
	_, err := k.GrabFrameTimeout(time.Millisecond)
	assert.ErrorIs(t, err, ErrNoSource)

	s, _ := c.CreateSource("cam", "test", nil)
	require.NoError(t, k.SetSource(s.Handle()))
	now := time.Now()
	s.PutFrame(mjpegFrame(c, now))
	assert.Equal(t, "", k.Error())

	f, err := k.GrabFrameTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, now, f.Time())
	f.Release()

	// the same frame is never returned twice
	_, err = k.GrabFrameTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.PutError("camera unplugged", now.Add(time.Second))
	assert.Equal(t, "camera unplugged", k.Error())

	// a destroyed source reads as unbound
	require.NoError(t, c.ReleaseSource(s.Handle()))
	assert.Equal(t, NoSourceError, k.Error())
}

func TestCameraControlsWithoutDriver(t *testing.T) {
	c := newTestContext(t)
	s, _ := c.CreateSource("cam", "test", nil)
	assert.ErrorIs(t, s.SetBrightness(10), status.ErrInvalidHandle)
	_, err := s.Brightness()
	assert.ErrorIs(t, err, status.ErrInvalidHandle)
	assert.ErrorIs(t, s.SetExposureAuto(), status.ErrInvalidHandle)
	assert.ErrorIs(t, s.SetWhiteBalanceManual(4000), status.ErrInvalidHandle)
}

func TestVideoMode(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{}
	s, _ := c.CreateSource("cam", "test", d)

	require.NoError(t, s.SetVideoMode(frame.VideoMode{PixelFormat: frame.MJPEG, Width: 640, Height: 480, FPS: 30}))
	require.NoError(t, s.SetResolution(320, 240))
	require.NoError(t, s.SetFPS(15))
	assert.Equal(t, frame.VideoMode{PixelFormat: frame.MJPEG, Width: 320, Height: 240, FPS: 15}, s.VideoMode())
	assert.Equal(t, []frame.VideoMode{s.VideoMode()}, s.VideoModes())

	d.modeErr = status.ErrUnsupportedMode
	assert.ErrorIs(t, s.SetPixelFormat(frame.YUYV), status.ErrUnsupportedMode)
	assert.Equal(t, frame.MJPEG, s.VideoMode().PixelFormat)
}

type eventLog struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (l *eventLog) add(ev notifier.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []notifier.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]notifier.Kind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestImmediateListener(t *testing.T) {
	c := newTestContext(t)
	var barrier eventLog
	c.AddListener(barrier.add, notifier.SinkEnabled, false)
	s, _ := c.CreateSource("cam", "test", &mockDriver{cache: func(p *property.Container) error {
		p.Create("brightness", property.Integer, 0, 100, 1, 50, 50)
		return nil
	}})
	s.SetConnected(true)
	k, _ := c.CreateSink("out", "test")
	require.NoError(t, k.SetSource(s.Handle()))
	k.Enable()

	// let the live events drain so only the replay reaches the new listener
	require.Eventually(t, func() bool { return len(barrier.kinds()) == 1 }, time.Second, time.Millisecond)

	var log eventLog
	c.AddListener(log.add, notifier.All&^notifier.SourceVideoModeChanged, true)
	want := []notifier.Kind{
		notifier.SourceCreated, notifier.SourceConnected, notifier.SourcePropertyCreated,
		notifier.SinkCreated, notifier.SinkSourceChanged, notifier.SinkEnabled,
	}
	require.Eventually(t, func() bool { return len(log.kinds()) >= len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, log.kinds()[:len(want)])
}

func TestPropertyNotifications(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{cache: func(p *property.Container) error {
		p.Create("brightness", property.Integer, 0, 100, 1, 50, 50)
		return nil
	}}
	s, _ := c.CreateSource("cam", "test", d)

	var log eventLog
	c.AddListener(log.add, notifier.SourcePropertyValueUpdated|notifier.SourcePropertyCreated, false)

	i := s.Properties().Index("brightness")
	require.NoError(t, s.Properties().SetValue(i, 70))
	s.CreateProperty("contrast", property.Integer, 0, 10, 1, 5, 5)

	require.Eventually(t, func() bool { return len(log.kinds()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []notifier.Kind{notifier.SourcePropertyValueUpdated, notifier.SourcePropertyCreated}, log.kinds())
	assert.Equal(t, 70, log.events[0].Value)
	assert.Equal(t, []string{"brightness"}, d.applied)
}

func TestSourceConfigJSON(t *testing.T) {
	c := newTestContext(t)
	d := &mockDriver{cache: func(p *property.Container) error {
		p.Create("gain", property.Integer, 0, 100, 1, 0, 0)
		p.CreateString("label", "")
		return nil
	}}
	s, _ := c.CreateSource("cam", "test", d)

	err := s.SetConfigJSON([]byte(`{
		"id": "ignored",
		"connectionStrategy": "open",
		"mode": {"pixelFormat": "mjpeg", "width": 320, "fps": 10},
		"white balance": "sideways",
		"brightness": 40,
		"properties": [
			{"id": "gain", "value": 12},
			{"name": "label", "value": 3}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "white balance")
	assert.Contains(t, err.Error(), "brightness")
	assert.ErrorIs(t, err, status.ErrWrongPropertyType)

	assert.Equal(t, KeepOpen, s.ConnectionStrategy())
	assert.Equal(t, frame.VideoMode{PixelFormat: frame.MJPEG, Width: 320, FPS: 10}, s.VideoMode())
	gain, err := s.Properties().Value(s.Properties().Index("gain"))
	require.NoError(t, err)
	assert.Equal(t, 12, gain)

	raw, err := s.ConfigJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "cam",
		"connectionStrategy": "open",
		"mode": {"pixelFormat": "mjpeg", "width": 320, "fps": 10},
		"properties": [{"id": "gain", "value": 12}, {"id": "label", "value": ""}]
	}`, string(raw))

	assert.Error(t, s.SetConfigJSON([]byte(`[1, 2]`)))
	err = s.SetConfigJSON([]byte(`{"mode": {"pixelFormat": "h264"}}`))
	assert.ErrorContains(t, err, "unknown pixel format")
}

func TestSinkConfigJSON(t *testing.T) {
	c := newTestContext(t)
	k, _ := c.CreateSink("out", "test")
	k.CreateProperty("fps", property.Integer, 0, 60, 1, 0, 0)
	require.NoError(t, k.SetConfigJSON([]byte(`{"properties":[{"name":"fps","value":15}]}`)))
	raw, err := k.ConfigJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"properties":[{"id":"fps","value":15}]}`, string(raw))
}

func TestShutdownStopsDrivers(t *testing.T) {
	c := NewContext()
	d := &mockDriver{}
	s, _ := c.CreateSource("cam", "test", d)
	s.SetConnectionStrategy(KeepOpen)
	c.Shutdown()

	_, stops := d.counts()
	assert.Equal(t, 1, stops)
	assert.True(t, c.Notifier().Destroyed())
	_, err := c.CreateSource("late", "test", nil)
	assert.Error(t, err)
}
