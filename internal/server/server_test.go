package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/stream"
)

var testJPEG = []byte("\xff\xd8test frame\xff\xd9")

type fixture struct {
	nodes *node.Context
	src   *node.Source
	srv   *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	nodes := node.NewContext()
	src, err := nodes.CreateSource("cam0", "test", nil)
	require.NoError(t, err)
	src.CreateProperty("brightness", property.Integer, 0, 100, 1, 50, 50)
	src.CreateProperty("mirror", property.Boolean, 0, 1, 1, 0, 0)
	srv, err := New(nodes, opts)
	require.NoError(t, err)
	require.NoError(t, srv.SetSource(src))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		nodes.Shutdown()
	})
	return &fixture{nodes: nodes, src: src, srv: srv}
}

// publish keeps putting frames on the source until the test ends.
func (fx *fixture) publish(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-tick.C:
				fx.src.PutFrame(fx.nodes.Pool().Copy(testJPEG, frame.Info{
					PixelFormat: frame.MJPEG, Width: 4, Height: 4, Time: now,
				}))
			}
		}
	}()
}

func readPart(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "--"+stream.Boundary+"\r\n" {
			break
		}
	}
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	require.NoError(t, err)
	var n int
	_, err = fmt.Sscan(hdr.Get("Content-Length"), &n)
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(br, body)
	require.NoError(t, err)
	return body
}

func TestRouting(t *testing.T) {
	fx := newFixture(t, Options{})
	h := fx.srv.Handler()

	tests := []struct {
		name        string
		method      string
		target      string
		status      int
		contentType string
	}{
		{"index", http.MethodGet, "/", http.StatusOK, "text/html; charset=utf-8"},
		{"index file", http.MethodGet, "/index.html", http.StatusOK, "text/html; charset=utf-8"},
		{"script", http.MethodGet, "/app.js", http.StatusOK, "application/javascript"},
		{"stylesheet", http.MethodGet, "/style.css", http.StatusOK, "text/css"},
		{"settings", http.MethodGet, "/settings.json", http.StatusOK, "application/json"},
		{"config", http.MethodGet, "/config.json", http.StatusOK, "application/json"},
		{"streams", http.MethodGet, "/streams.json", http.StatusOK, "application/json"},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, ""},
		{"wrong method", http.MethodPost, "/settings.json", http.StatusNotFound, ""},
		{"bad fps", http.MethodGet, "/?action=stream&fps=fast", http.StatusBadRequest, ""},
		{"negative fps", http.MethodGet, "/stream.mjpg?fps=-1", http.StatusBadRequest, ""},
		{"bad resolution", http.MethodGet, "/stream.mjpg?resolution=640", http.StatusBadRequest, ""},
		{"zero resolution", http.MethodGet, "/stream.mjpg?resolution=0x480", http.StatusBadRequest, ""},
		{"bad compression", http.MethodGet, "/stream?compression=101", http.StatusBadRequest, ""},
		{"unknown source", http.MethodGet, "/stream.mjpg?source=cam9", http.StatusNotFound, ""},
		{"settings of unknown source", http.MethodGet, "/settings.json?source=cam9", http.StatusNotFound, ""},
		{"websocket without upgrade", http.MethodGet, "/stream.ws", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestStreamWithoutSource(t *testing.T) {
	nodes := node.NewContext()
	defer nodes.Shutdown()
	srv, err := New(nodes, Options{})
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mjpg", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDefaultsFromProperties(t *testing.T) {
	fx := newFixture(t, Options{})
	cfg := fx.srv.Defaults()
	assert.Equal(t, stream.Config{Quality: -1, DefaultQuality: DefaultCompression}, cfg)

	require.NoError(t, fx.srv.SetDefaults(stream.Config{Width: 320, Height: 240, FPS: 10, Quality: 60}))
	q, err := fx.srv.streamConfig(map[string][]string{"fps": {"5"}, "resolution": {"160X120"}})
	require.NoError(t, err)
	assert.Equal(t, stream.Config{Width: 160, Height: 120, FPS: 5, Quality: 60, DefaultQuality: DefaultCompression}, q)
}

func TestSettingsAndCommand(t *testing.T) {
	fx := newFixture(t, Options{})
	h := fx.srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?action=command&brightness=75&mirror=true", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	props := fx.src.Properties()
	i, ok := props.Lookup("brightness")
	require.True(t, ok)
	v, err := props.Value(i)
	require.NoError(t, err)
	assert.Equal(t, 75, v)
	i, _ = props.Lookup("mirror")
	v, _ = props.Value(i)
	assert.Equal(t, 1, v)

	// server properties are reachable too
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?action=command&fps=12", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 12, fx.srv.Defaults().FPS)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?action=command&zoom=2", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?action=command&brightness=dim", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settings.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var settings struct {
		Properties []property.Detail `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Contains(t, rec.Body.String(), `"id":"brightness"`)
	assert.NotContains(t, rec.Body.String(), `"name"`)
	byName := map[string]property.Detail{}
	for _, d := range settings.Properties {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "brightness")
	assert.Equal(t, "integer", byName["brightness"].Kind)
	assert.EqualValues(t, 75, byName["brightness"].Value)
}

func TestHTTPStreamAndIntrospection(t *testing.T) {
	fx := newFixture(t, Options{})
	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()
	fx.publish(t)

	resp, err := http.Get(ts.URL + "/stream.mjpg?fps=50&compression=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace;boundary="+stream.Boundary, resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)
	assert.Equal(t, testJPEG, readPart(t, br))

	require.Eventually(t, func() bool { return fx.src.EnabledSinks() == 1 }, time.Second, 5*time.Millisecond)
	infos := fx.srv.Streams()
	require.Len(t, infos, 1)
	assert.Equal(t, "cam0", infos[0].SourceID)
	assert.Equal(t, "127.0.0.1", infos[0].RemoteIP)
	assert.Equal(t, 50, infos[0].Config.FPS)

	r2, err := http.Get(ts.URL + "/streams.json")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&listed))
	r2.Body.Close()
	require.Len(t, listed, 1)
	assert.Equal(t, "cam0", listed[0]["sourceId"])

	resp.Body.Close()
	require.Eventually(t, func() bool { return len(fx.srv.Streams()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return fx.src.EnabledSinks() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	fx := newFixture(t, Options{})
	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()
	fx.publish(t)

	dialer := websocket.Dialer{Subprotocols: []string{stream.Subprotocol}}
	for _, path := range []string{"/stream.ws", "/stream.mjpg"} {
		conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
		require.NoError(t, err, path)
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, testJPEG, data)
		conn.Close()
		require.Eventually(t, func() bool { return len(fx.srv.Streams()) == 0 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestStopClosesStreams(t *testing.T) {
	fx := newFixture(t, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, fx.srv.Start())
	fx.publish(t)

	resp, err := http.Get("http://" + fx.srv.Addr() + "/stream.mjpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	readPart(t, br)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.srv.Stop(ctx))
	// the response ends once the stream is gone
	io.Copy(io.Discard, br)
	assert.Equal(t, 0, fx.src.EnabledSinks())
	assert.Empty(t, fx.srv.Streams())

	_, err = fx.nodes.Sink(fx.srv.Sink().Handle())
	assert.Error(t, err, "sink released")
}

func TestProxyProtocolRemoteAddress(t *testing.T) {
	fx := newFixture(t, Options{Addr: "127.0.0.1:0", ProxyProtocol: true})
	require.NoError(t, fx.srv.Start())
	fx.publish(t)

	conn, err := net.Dial("tcp", fx.srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "PROXY TCP4 203.0.113.9 127.0.0.1 4711 80\r\n"+
		"GET /stream.mjpg HTTP/1.1\r\nHost: camserver\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readPart(t, bufio.NewReader(resp.Body))

	infos := fx.srv.Streams()
	require.Len(t, infos, 1)
	assert.Equal(t, "203.0.113.9", infos[0].RemoteIP)
	assert.Equal(t, 4711, infos[0].RemotePort)
}

func TestStreamEvents(t *testing.T) {
	fx := newFixture(t, Options{})
	ts := httptest.NewServer(fx.srv.Handler())
	defer ts.Close()
	fx.publish(t)

	events := make(chan notifier.Event, 8)
	fx.nodes.AddListener(func(ev notifier.Event) { events <- ev }, notifier.StreamEvents, false)

	resp, err := http.Get(ts.URL + "/stream.mjpg")
	require.NoError(t, err)
	readPart(t, bufio.NewReader(resp.Body))

	var opened notifier.Event
	select {
	case opened = <-events:
	case <-time.After(time.Second):
		t.Fatal("no stream_opened event")
	}
	assert.Equal(t, notifier.StreamOpened, opened.Kind)
	assert.Equal(t, "cam0", opened.Name)
	assert.Equal(t, uint64(fx.src.Handle()), opened.Source)
	assert.NotEmpty(t, opened.Stream)

	resp.Body.Close()
	select {
	case closed := <-events:
		assert.Equal(t, notifier.StreamClosed, closed.Kind)
		assert.Equal(t, opened.Stream, closed.Stream)
	case <-time.After(2 * time.Second):
		t.Fatal("no stream_closed event")
	}
}
