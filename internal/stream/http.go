package stream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/mjpeg"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
)

// Boundary separates the parts of an MJPEG response.
const Boundary = "boundarydonotcross"

// DefaultKeepAlive is the idle interval after which a blank separator is
// written to an HTTP stream.
const DefaultKeepAlive = 200 * time.Millisecond

var crlf = []byte("\r\n")

type httpTransport struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	remote   string
	interval time.Duration
	header   []byte
}

// NewHTTP writes the multipart response header and returns a stream that
// sends one part per frame. keepAlive <= 0 disables the idle separator.
func NewHTTP(loop *Loop, src *node.Source, cfg Config, w http.ResponseWriter, r *http.Request, keepAlive time.Duration) (*Stream, error) {
	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace;boundary="+Boundary)
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, pre-check=0, post-check=0, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "Mon, 3 Jan 2000 12:34:56 GMT")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("flush stream header: %w", err)
	}

	t := &httpTransport{w: w, rc: rc, remote: r.RemoteAddr, interval: keepAlive}
	return newStream(loop, src, cfg, t), nil
}

func (t *httpTransport) kind() string                     { return "http" }
func (t *httpTransport) remoteAddr() string               { return t.remote }
func (t *httpTransport) keepAliveInterval() time.Duration { return t.interval }

func (t *httpTransport) write(parts [][]byte, f frame.Frame) (int, error) {
	size := mjpeg.Size(parts)
	t.header = fmt.Appendf(t.header[:0],
		"--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Timestamp: %d\r\n\r\n",
		Boundary, size, f.Time().UnixMicro())

	n, err := t.w.Write(t.header)
	if err != nil {
		return n, err
	}
	for _, p := range parts {
		m, err := t.w.Write(p)
		n += m
		if err != nil {
			return n, err
		}
	}
	m, err := t.w.Write(crlf)
	n += m
	if err != nil {
		return n, err
	}
	return n, t.rc.Flush()
}

func (t *httpTransport) keepAlive() (int, error) {
	n, err := t.w.Write(crlf)
	if err != nil {
		return n, err
	}
	return n, t.rc.Flush()
}

// shutdown cuts off a write blocked on a slow client.
func (t *httpTransport) shutdown() {
	_ = t.rc.SetWriteDeadline(time.Now())
}
