// Package server is the MJPEG server sink: an HTTP endpoint that streams the
// frames of a source to browsers and WebSocket clients.
package server

import (
	"bufio"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/stream"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

//go:embed static
var staticFiles embed.FS

const (
	SinkKind = "mjpeg"

	// DefaultCompression is the quality used when a frame needs re-encoding
	// and neither the client nor the server asked for one.
	DefaultCompression = 80
)

// Options configure a Server.
type Options struct {
	// Name of the sink node. Empty picks a generated one.
	Name string
	// Addr is the listen address, ":8080" style.
	Addr string
	// KeepAlive is the idle separator interval of HTTP streams; zero uses
	// stream.DefaultKeepAlive, negative disables it.
	KeepAlive time.Duration
	// ProxyProtocol accepts a PROXY protocol header on every connection.
	ProxyProtocol bool
}

// Server owns a sink node, an event loop shared by its streams and the HTTP
// server in front of them.
type Server struct {
	opts   Options
	nodes  *node.Context
	sink   *node.Sink
	loop   *stream.Loop
	logger *slog.Logger

	width, height, fps, compression, defaultCompression int

	mu         sync.Mutex
	streams    map[string]*stream.Stream
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
	stopped    bool
}

// New creates the server sink in nodes and starts the stream loop. The
// server does not listen until Start; Handler can be mounted without it.
func New(nodes *node.Context, opts Options) (*Server, error) {
	sink, err := nodes.CreateSink(opts.Name, SinkKind)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server sink")
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = stream.DefaultKeepAlive
	}
	s := &Server{
		opts:    opts,
		nodes:   nodes,
		sink:    sink,
		loop:    stream.NewLoop(),
		streams: make(map[string]*stream.Stream),
		logger:  util.GetLogger().With("component", "server", "sink", sink.Name()),
	}
	s.loop.Start()
	s.width = sink.CreateProperty("width", property.Integer, 0, 4096, 1, 0, 0)
	s.height = sink.CreateProperty("height", property.Integer, 0, 4096, 1, 0, 0)
	s.fps = sink.CreateProperty("fps", property.Integer, 0, 240, 1, 0, 0)
	s.compression = sink.CreateProperty("compression", property.Integer, -1, 100, 1, -1, -1)
	s.defaultCompression = sink.CreateProperty("default_compression", property.Integer,
		0, 100, 1, DefaultCompression, DefaultCompression)
	return s, nil
}

// Sink is the server's node.
func (s *Server) Sink() *node.Sink { return s.sink }

// SetSource binds the default source of streams.
func (s *Server) SetSource(src *node.Source) error {
	return s.sink.SetSource(src.Handle())
}

// Defaults is the stream config used for parameters a client leaves out.
func (s *Server) Defaults() stream.Config {
	props := s.sink.Properties()
	get := func(i int) int {
		v, _ := props.Value(i)
		return v
	}
	return stream.Config{
		Width:          get(s.width),
		Height:         get(s.height),
		FPS:            get(s.fps),
		Quality:        get(s.compression),
		DefaultQuality: get(s.defaultCompression),
	}
}

// SetDefaults updates the server properties from cfg.
func (s *Server) SetDefaults(cfg stream.Config) error {
	props := s.sink.Properties()
	for i, v := range map[int]int{
		s.width:       cfg.Width,
		s.height:      cfg.Height,
		s.fps:         cfg.FPS,
		s.compression: cfg.Quality,
	} {
		if err := props.SetValue(i, v); err != nil {
			return errors.Wrap(err, "failed to set stream default")
		}
	}
	if cfg.DefaultQuality > 0 {
		if err := props.SetValue(s.defaultCompression, cfg.DefaultQuality); err != nil {
			return errors.Wrap(err, "failed to set default compression")
		}
	}
	return nil
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background. The server takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		ln.Close()
		return errors.New("server stopped")
	}
	if s.httpServer != nil {
		ln.Close()
		return errors.New("server already started")
	}
	if s.opts.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// streams have no write or idle deadline
		WriteTimeout: 0,
		IdleTimeout:  0,
	}
	s.serveErr = make(chan error, 1)
	srv := s.httpServer
	go func() {
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
		}
		s.serveErr <- err
	}()
	s.logger.Info("MJPEG server listening", "addr", ln.Addr().String(), "proxyProtocol", s.opts.ProxyProtocol)
	return nil
}

// Addr is the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every stream, then shuts the HTTP server down and releases
// the sink.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpServer
	live := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		live = append(live, st)
	}
	s.mu.Unlock()

	for _, st := range live {
		st.Close()
	}
	for _, st := range live {
		st.Wait()
	}

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
			if cerr := srv.Close(); cerr != nil {
				s.logger.Warn("HTTP server force close error", "error", cerr)
			}
		}
		<-s.serveErr
	}
	s.loop.Stop()
	if rerr := s.nodes.ReleaseSink(s.sink.Handle()); rerr != nil && err == nil {
		err = rerr
	}
	s.logger.Info("MJPEG server stopped")
	return errors.Wrap(err, "server stop")
}

// Streams reports every live stream, ordered by id.
func (s *Server) Streams() []stream.Info {
	s.mu.Lock()
	live := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		live = append(live, st)
	}
	s.mu.Unlock()

	infos := make([]stream.Info, 0, len(live))
	err := s.loop.Call(func() {
		for _, st := range live {
			select {
			case <-st.Done():
			default:
				infos = append(infos, st.Info())
			}
		}
	})
	if err != nil {
		return nil
	}
	slices.SortFunc(infos, func(a, b stream.Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

func (s *Server) track(st *stream.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.streams[st.ID()] = st
	st.OnClose(func(st *stream.Stream) {
		s.mu.Lock()
		delete(s.streams, st.ID())
		s.mu.Unlock()
		s.nodes.Notifier().Notify(notifier.Event{
			Kind:   notifier.StreamClosed,
			Sink:   uint64(s.sink.Handle()),
			Stream: st.ID(),
		})
	})
	return true
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	if lw.status == 0 {
		lw.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach Flush and SetWriteDeadline.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"len", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
