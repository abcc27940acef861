// Package record writes the frames of a source into a Matroska file with
// a single V_MJPEG video track.
package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/mjpeg"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

const (
	SinkKind = "record"
	CodecID  = "V_MJPEG"

	closeTimeout = 5 * time.Second
)

// closeWaiter lets Stop wait for the muxer to close the output.
type closeWaiter struct {
	w      io.WriteCloser
	once   sync.Once
	err    error
	closed chan struct{}
}

func (c *closeWaiter) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *closeWaiter) Close() error {
	c.once.Do(func() {
		c.err = c.w.Close()
		close(c.closed)
	})
	return c.err
}

func (c *closeWaiter) wait(d time.Duration) error {
	select {
	case <-c.closed:
		return c.err
	case <-time.After(d):
		return errors.New("timed out closing recording")
	}
}

// Recorder is a sink that grabs every new frame of its source and appends
// it to out. Raw frames are encoded to JPEG; error frames are skipped.
type Recorder struct {
	nodes  *node.Context
	sink   *node.Sink
	out    *closeWaiter
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error

	// owned by the grab goroutine
	track webm.BlockWriteCloser
	first time.Time

	frames  atomic.Uint64
	skipped atomic.Uint64
}

// New creates the recorder sink. The recorder owns out and closes it on
// Stop.
func New(nodes *node.Context, name string, out io.WriteCloser) (*Recorder, error) {
	sink, err := nodes.CreateSink(name, SinkKind)
	if err != nil {
		return nil, fmt.Errorf("create recorder sink: %w", err)
	}
	return &Recorder{
		nodes:  nodes,
		sink:   sink,
		out:    &closeWaiter{w: out, closed: make(chan struct{})},
		logger: util.GetLogger().With("component", "recorder", "sink", sink.Name()),
	}, nil
}

func (r *Recorder) Sink() *node.Sink { return r.sink }

// SetSource binds the recorded source.
func (r *Recorder) SetSource(src *node.Source) error {
	return r.sink.SetSource(src.Handle())
}

// Frames is the number of frames written so far.
func (r *Recorder) Frames() uint64 { return r.frames.Load() }

// Skipped is the number of error or undecodable frames dropped.
func (r *Recorder) Skipped() uint64 { return r.skipped.Load() }

// Start enables the sink and starts recording in the background.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("recorder already started")
	}
	if _, err := r.sink.Source(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.sink.Enable()
	go func() { r.done <- r.run(ctx) }()
	r.logger.Info("Recording started")
	return nil
}

// Stop ends the recording, finalizes the file and releases the sink.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = <-done
		r.sink.Disable()
	}
	if r.track != nil {
		// the muxer closes out once its last track is closed
		err = errors.Join(err, r.track.Close(), r.out.wait(closeTimeout))
	} else {
		err = errors.Join(err, r.out.Close())
	}
	err = errors.Join(err, r.nodes.ReleaseSink(r.sink.Handle()))
	r.logger.Info("Recording stopped", "frames", r.Frames(), "skipped", r.Skipped())
	return err
}

func (r *Recorder) run(ctx context.Context) error {
	for {
		f, err := r.sink.GrabFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = r.write(f)
		f.Release()
		if err != nil {
			r.logger.Error("Recording failed", "error", err)
			return err
		}
	}
}

func (r *Recorder) write(f frame.Frame) error {
	if msg := f.Error(); msg != "" {
		r.skipped.Add(1)
		r.logger.Debug("Skipping error frame", "error", msg)
		return nil
	}
	data, err := f.JPEG(0, 0, frame.DefaultQuality)
	if err != nil {
		r.skipped.Add(1)
		r.logger.Debug("Skipping frame", "error", err)
		return nil
	}
	if r.track == nil {
		if err := r.open(f.Width(), f.Height()); err != nil {
			return err
		}
		r.first = f.Time()
	}
	ts := f.Time().Sub(r.first).Milliseconds()
	if _, err := r.track.Write(true, ts, mjpeg.RepairBytes(data)); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	r.frames.Add(1)
	return nil
}

func (r *Recorder) open(width, height int) error {
	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"
	tracks, err := webm.NewSimpleBlockWriter(r.out, []webm.TrackEntry{
		{
			Name:        "Video",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     CodecID,
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
	},
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithOnFatalHandler(func(err error) {
			r.logger.Warn("Matroska writer error", "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("create matroska writer: %w", err)
	}
	r.track = tracks[0]
	r.logger.Debug("Matroska track opened", "width", width, "height", height)
	return nil
}
