package server

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/stream"
)

// assets are served with a fixed content type.
var assets = map[string]string{
	"index.html": "text/html; charset=utf-8",
	"app.js":     "application/javascript",
	"style.css":  "text/css",
}

// Handler is the server's route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleStream).Methods(http.MethodGet).Queries("action", "stream")
	r.HandleFunc("/", s.handleCommand).Methods(http.MethodGet).Queries("action", "command")
	r.HandleFunc("/stream.mjpg", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/stream.ws", s.handleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/settings.json", s.handleSettings).Methods(http.MethodGet)
	r.HandleFunc("/config.json", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/streams.json", s.handleStreams).Methods(http.MethodGet)

	r.HandleFunc("/", s.serveAsset("index.html")).Methods(http.MethodGet)
	for name := range assets {
		r.HandleFunc("/"+name, s.serveAsset(name)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	return loggingMiddleware(s.logger, r)
}

// RespondJSON sends data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "404: not found", http.StatusNotFound)
}

func (s *Server) serveAsset(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(staticFiles, "static/"+name)
		if err != nil {
			notFound(w, r)
			return
		}
		w.Header().Set("Content-Type", assets[name])
		w.Write(data)
	}
}

// requestError carries the HTTP status of a rejected request.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func respondError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		http.Error(w, re.msg, re.status)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// source resolves the "source" query parameter, falling back to the
// source bound to the server sink.
func (s *Server) source(q url.Values) (*node.Source, error) {
	if name := q.Get("source"); name != "" {
		src, err := s.nodes.SourceByName(name)
		if err != nil {
			return nil, &requestError{status: http.StatusNotFound, msg: fmt.Sprintf("unknown source %q", name)}
		}
		return src, nil
	}
	src, err := s.sink.Source()
	if err != nil {
		return nil, &requestError{status: http.StatusNotFound, msg: "no source connected"}
	}
	return src, nil
}

// streamConfig applies the query overrides to the server defaults.
func (s *Server) streamConfig(q url.Values) (stream.Config, error) {
	cfg := s.Defaults()
	if v := q.Get("resolution"); v != "" {
		w, h, ok := parseResolution(v)
		if !ok {
			return cfg, badRequest("invalid resolution %q", v)
		}
		cfg.Width, cfg.Height = w, h
	}
	if v := q.Get("fps"); v != "" {
		fps, err := strconv.Atoi(v)
		if err != nil || fps < 0 {
			return cfg, badRequest("invalid fps %q", v)
		}
		cfg.FPS = fps
	}
	if v := q.Get("compression"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil || c < -1 || c > 100 {
			return cfg, badRequest("invalid compression %q", v)
		}
		cfg.Quality = c
	}
	return cfg, nil
}

func parseResolution(v string) (int, int, bool) {
	ws, hs, ok := strings.Cut(strings.ToLower(v), "x")
	if !ok {
		return 0, 0, false
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if stream.IsUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	q := r.URL.Query()
	src, err := s.source(q)
	if err != nil {
		respondError(w, err)
		return
	}
	cfg, err := s.streamConfig(q)
	if err != nil {
		respondError(w, err)
		return
	}

	st, err := stream.NewHTTP(s.loop, src, cfg, w, r, s.opts.KeepAlive)
	if err != nil {
		s.logger.Warn("Failed to open HTTP stream", "remote", r.RemoteAddr, "error", err)
		return
	}
	if !s.run(src, st) {
		return
	}
	select {
	case <-st.Done():
	case <-r.Context().Done():
		st.Close()
	}
	st.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, err := s.source(q)
	if err != nil {
		respondError(w, err)
		return
	}
	cfg, err := s.streamConfig(q)
	if err != nil {
		respondError(w, err)
		return
	}

	conn, err := stream.Upgrade(w, r)
	if err != nil {
		// the upgrader already answered the request
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	st := stream.NewWebSocket(s.loop, src, cfg, conn)
	if !s.run(src, st) {
		return
	}
	st.Wait()
}

// run tracks and starts st. It returns false when the server is stopping,
// in which case st is already closed.
func (s *Server) run(src *node.Source, st *stream.Stream) bool {
	if !s.track(st) {
		st.Close()
		st.Wait()
		return false
	}
	if err := st.Start(); err != nil {
		s.logger.Warn("Failed to start stream", "stream", st.ID(), "error", err)
		st.Close()
		st.Wait()
		return false
	}
	s.nodes.Notifier().Notify(notifier.Event{
		Kind:   notifier.StreamOpened,
		Sink:   uint64(s.sink.Handle()),
		Source: uint64(src.Handle()),
		Name:   src.Name(),
		Stream: st.ID(),
	})
	return true
}

// handleCommand sets source properties from the query string. An unknown
// source property falls back to the server's own properties.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src, err := s.source(q)
	if err != nil {
		respondError(w, err)
		return
	}

	var failed []string
	for name, values := range q {
		if name == "action" || name == "source" || len(values) == 0 {
			continue
		}
		value := values[len(values)-1]
		props := src.Properties()
		i, ok := props.Lookup(name)
		if kind, err := props.Kind(i); !ok || err != nil || kind == property.None {
			props = s.sink.Properties()
			if i, ok = props.Lookup(name); !ok {
				failed = append(failed, fmt.Sprintf("%s: unknown property", name))
				continue
			}
		}
		if err := setFromString(props, i, value); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		s.logger.Info("Property set by command", "source", src.Name(), "property", name, "value", value)
	}
	if len(failed) > 0 {
		http.Error(w, strings.Join(failed, "\n"), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func setFromString(props *property.Container, i int, value string) error {
	kind, err := props.Kind(i)
	if err != nil {
		return err
	}
	switch kind {
	case property.String:
		return props.SetStringValue(i, value)
	case property.Boolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		n := 0
		if b {
			n = 1
		}
		return props.SetValue(i, n)
	case property.Enum:
		if n, err := strconv.Atoi(value); err == nil {
			return props.SetValue(i, n)
		}
		choices, err := props.Choices(i)
		if err != nil {
			return err
		}
		for n, c := range choices {
			if c == value {
				return props.SetValue(i, n)
			}
		}
		return fmt.Errorf("%q is not a choice", value)
	default:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		return props.SetValue(i, n)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	src, err := s.source(r.URL.Query())
	if err != nil {
		respondError(w, err)
		return
	}
	details, err := src.Properties().Details()
	if err != nil {
		respondError(w, errors.Wrap(err, "failed to read properties"))
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"properties": details})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	src, err := s.source(r.URL.Query())
	if err != nil {
		respondError(w, err)
		return
	}
	data, err := src.ConfigJSON()
	if err != nil {
		respondError(w, errors.Wrap(err, "failed to read source config"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, s.Streams())
}
