// Package stream serves frames of one source to one client, over an HTTP
// multipart response or a WebSocket.
//
// Each Stream is driven by a shared Loop: frame arrival, pacing, timers and
// state changes all run on the loop goroutine, while the blocking network
// write runs on a per-stream writer goroutine that reports completion back
// to the loop.
package stream

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/mjpeg"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

// TelemetryPeriod is the measurement window of Info.
const TelemetryPeriod = time.Second

// Config is what a client asked for. Zero Width/Height keep the source
// size, zero FPS sends every frame, Quality <= 0 passes MJPEG through.
type Config struct {
	Width          int `json:"width"`
	Height         int `json:"height"`
	FPS            int `json:"fps"`
	Quality        int `json:"quality"`
	DefaultQuality int `json:"-"`
}

// transport is the network half of a Stream. write and keepAlive run on
// the writer goroutine; shutdown may be called from any goroutine and must
// unblock a pending write.
type transport interface {
	kind() string
	write(parts [][]byte, f frame.Frame) (int, error)
	keepAlive() (int, error)
	keepAliveInterval() time.Duration
	shutdown()
	remoteAddr() string
}

type state int

const (
	stateCreated state = iota
	stateActive
	stateClosing
	stateClosed
)

type job struct {
	f         frame.Frame
	keepAlive bool
}

type window struct {
	frames  int
	bytes   int
	elapsed time.Duration
}

// errSkip marks a frame that could not be encoded; the stream stays open.
var errSkip = errors.New("frame skipped")

// Stream is one client connection.
type Stream struct {
	id     string
	loop   *Loop
	src    *node.Source
	cfg    Config
	t      transport
	now    func() time.Time
	logger *slog.Logger

	// owned by the loop
	state        state
	inFlight     bool
	pacer        pacer
	bridge       *bridge
	listenerID   int
	keepAliveT   *Timer
	telemetryT   *Timer
	windowStart  time.Time
	windowFrames int
	windowBytes  int
	last         *window
	sent         uint64
	rateDrops    uint64
	busyDrops    uint64
	err          error
	onClose      []func(*Stream)

	jobs       chan job
	done       chan struct{}
	writerDone chan struct{}
	// source enable and disable run off the loop since they may start or
	// stop a driver
	acquired chan struct{}
	released chan struct{}
}

func newStream(loop *Loop, src *node.Source, cfg Config, t transport) *Stream {
	id := uuid.NewString()
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = frame.DefaultQuality
	}
	return &Stream{
		id:         id,
		loop:       loop,
		src:        src,
		cfg:        cfg,
		t:          t,
		now:        time.Now,
		pacer:      newPacer(cfg.FPS),
		jobs:       make(chan job, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		acquired:   make(chan struct{}),
		released:   make(chan struct{}),
		logger: util.GetLogger().With(
			"stream", id, "transport", t.kind(), "source", src.Name(), "remote", t.remoteAddr()),
	}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) Config() Config { return s.cfg }

// OnClose registers fn to run on the loop once the stream is closed. It
// must be called before Start.
func (s *Stream) OnClose(fn func(*Stream)) {
	s.onClose = append(s.onClose, fn)
}

// Start activates the stream: it subscribes to the source, enables it and
// starts the timers and the writer.
func (s *Stream) Start() error {
	return s.loop.Call(s.activate)
}

func (s *Stream) activate() {
	if s.state != stateCreated {
		return
	}
	s.state = stateActive
	go func() {
		defer close(s.acquired)
		s.src.AddSink()
		s.src.EnableSink()
	}()
	s.bridge = newBridge(s.loop, s.sendFrame)
	s.listenerID = s.src.AddFrameListener(s.bridge.push)

	s.windowStart = s.now()
	s.telemetryT = s.loop.Every(TelemetryPeriod, s.rollWindow)
	if d := s.t.keepAliveInterval(); d > 0 {
		s.keepAliveT = s.loop.AfterFunc(d, s.onKeepAlive)
	}
	go s.writeLoop()
	s.logger.Info("Stream started", "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS)
}

// Close asks the loop to close the stream. It returns immediately.
func (s *Stream) Close() {
	fn := func() { s.close(nil) }
	if !s.loop.Post(fn) {
		fn()
	}
}

// Done is closed once the stream reached its final state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the writer goroutine has exited and the source was
// released. After Wait returns the stream no longer touches its connection.
func (s *Stream) Wait() {
	<-s.done
	<-s.writerDone
	<-s.released
}

// Err is the error that closed the stream, nil for a local close. Valid
// after Done.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// sendFrame runs on the loop for every frame coming out of the bridge.
func (s *Stream) sendFrame(f frame.Frame) {
	if s.state != stateActive || f.Error() != "" {
		return
	}
	if s.inFlight {
		s.busyDrops++
		return
	}
	if !s.pacer.admit(f.Time()) {
		s.rateDrops++
		return
	}
	s.inFlight = true
	s.jobs <- job{f: f.Retain()}
	if s.keepAliveT != nil {
		s.keepAliveT.Reset(s.t.keepAliveInterval())
	}
}

func (s *Stream) onKeepAlive() {
	if s.state != stateActive {
		return
	}
	s.keepAliveT.Reset(s.t.keepAliveInterval())
	if s.inFlight {
		return
	}
	s.inFlight = true
	s.jobs <- job{keepAlive: true}
}

func (s *Stream) writeLoop() {
	defer close(s.writerDone)
	for j := range s.jobs {
		var n int
		var err error
		if j.keepAlive {
			n, err = s.t.keepAlive()
		} else {
			n, err = s.writeFrame(j.f)
			j.f.Release()
		}
		isFrame := !j.keepAlive
		s.loop.Post(func() { s.writeDone(n, err, isFrame) })
	}
}

func (s *Stream) writeFrame(f frame.Frame) (int, error) {
	q := s.cfg.Quality
	if q <= 0 && f.NeedsConversion(s.cfg.Width, s.cfg.Height, 0) {
		q = s.cfg.DefaultQuality
	}
	data, err := f.JPEG(s.cfg.Width, s.cfg.Height, q)
	if err != nil {
		s.logger.Debug("Skipping frame", "error", err)
		return 0, errSkip
	}
	parts, _ := mjpeg.Repair(data)
	return s.t.write(parts, f)
}

func (s *Stream) writeDone(n int, err error, isFrame bool) {
	s.inFlight = false
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		s.close(err)
		return
	}
	if isFrame {
		s.sent++
		s.windowFrames++
		s.windowBytes += n
	}
}

func (s *Stream) rollWindow() {
	now := s.now()
	s.last = &window{frames: s.windowFrames, bytes: s.windowBytes, elapsed: now.Sub(s.windowStart)}
	s.windowStart = now
	s.windowFrames = 0
	s.windowBytes = 0
}

// close runs on the loop: unsubscribe first, then timers, then release the
// source and the connection.
func (s *Stream) close(err error) {
	if s.state >= stateClosing {
		return
	}
	activated := s.state == stateActive
	s.state = stateClosing
	s.err = err

	if activated {
		s.src.RemoveFrameListener(s.listenerID)
		s.bridge.close()
	}
	if s.telemetryT != nil {
		s.telemetryT.Stop()
	}
	if s.keepAliveT != nil {
		s.keepAliveT.Stop()
	}
	if activated {
		go func() {
			defer close(s.released)
			<-s.acquired
			s.src.DisableSink()
			s.src.RemoveSink()
		}()
		close(s.jobs)
	} else {
		close(s.writerDone)
		close(s.released)
	}
	s.t.shutdown()

	s.state = stateClosed
	close(s.done)
	if err != nil {
		s.logger.Info("Stream closed", "sent", s.sent, "error", err)
	} else {
		s.logger.Info("Stream closed", "sent", s.sent)
	}
	for _, fn := range s.onClose {
		fn(s)
	}
}

// Info is a snapshot of a stream for /streams.json.
type Info struct {
	ID             string   `json:"id"`
	Transport      string   `json:"transport"`
	SourceID       string   `json:"sourceId"`
	RemoteIP       string   `json:"remoteIp"`
	RemotePort     int      `json:"remotePort"`
	ActualFPS      *float64 `json:"actualFps,omitempty"`
	ActualDataRate *float64 `json:"actualDataRate,omitempty"`
	FramesSent     uint64   `json:"framesSent"`
	FramesDropped  uint64   `json:"framesDropped"`
	Config         Config   `json:"config"`
}

// Info must be called on the loop.
func (s *Stream) Info() Info {
	info := Info{
		ID:         s.id,
		Transport:  s.t.kind(),
		SourceID:   s.src.Name(),
		FramesSent: s.sent,
		Config:     s.cfg,
	}
	info.FramesDropped = s.rateDrops + s.busyDrops
	if s.bridge != nil {
		info.FramesDropped += s.bridge.dropped()
	}
	if host, port, err := net.SplitHostPort(s.t.remoteAddr()); err == nil {
		info.RemoteIP = host
		info.RemotePort, _ = strconv.Atoi(port)
	} else {
		info.RemoteIP = s.t.remoteAddr()
	}
	if s.last != nil && s.last.elapsed > 0 {
		secs := s.last.elapsed.Seconds()
		fps := float64(s.last.frames) / secs
		rate := float64(s.last.bytes) / secs
		info.ActualFPS = &fps
		info.ActualDataRate = &rate
	}
	return info
}
