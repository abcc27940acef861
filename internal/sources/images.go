package sources

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/status"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

const ImagesKind = "images"

type still struct {
	name   string
	data   []byte // JPEG
	width  int
	height int
}

// Images is a driver that replays the JPEG and PNG files of a directory as
// an MJPEG source, in file name order. PNG files are encoded to JPEG once
// when the directory is loaded.
type Images struct {
	dir    string
	stills []still

	mu     sync.Mutex
	fps    int
	loop   bool
	next   int
	src    *node.Source
	props  *property.Container
	cap    capture
	logger *slog.Logger
}

// NewImages loads every JPEG and PNG image of dir. Files of other types
// are skipped; a directory without images is an error.
func NewImages(dir string) (*Images, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image directory: %w", err)
	}
	logger := util.GetLogger().With("component", "images", "dir", dir)

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	d := &Images{dir: dir, loop: true, logger: logger}
	for _, name := range names {
		path := filepath.Join(dir, name)
		st, err := loadStill(path)
		if err != nil {
			logger.Debug("Skipping file", "file", name, "error", err)
			continue
		}
		st.name = name
		d.stills = append(d.stills, st)
	}
	if len(d.stills) == 0 {
		return nil, fmt.Errorf("no JPEG or PNG images in %s", dir)
	}
	logger.Info("Images loaded", "count", len(d.stills))
	return d, nil
}

func loadStill(path string) (still, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return still{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return still{}, err
	}

	switch {
	case mtype.Is("image/jpeg"):
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return still{}, fmt.Errorf("decode jpeg header: %w", err)
		}
		return still{data: data, width: cfg.Width, height: cfg.Height}, nil
	case mtype.Is("image/png"):
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return still{}, fmt.Errorf("decode png: %w", err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: frame.DefaultQuality}); err != nil {
			return still{}, fmt.Errorf("encode jpeg: %w", err)
		}
		b := img.Bounds()
		return still{data: buf.Bytes(), width: b.Dx(), height: b.Dy()}, nil
	}
	return still{}, fmt.Errorf("unsupported type %s", mtype.String())
}

// Len is the number of loaded images.
func (d *Images) Len() int { return len(d.stills) }

// Start implements node.Driver.
func (d *Images) Start(src *node.Source) error {
	d.mu.Lock()
	d.src = src
	if fps := src.VideoMode().FPS; fps > 0 {
		d.fps = fps
	}
	d.mu.Unlock()

	src.SetConnected(true)
	d.cap.start(d.interval, d.tick)
	return nil
}

// Stop implements node.Driver.
func (d *Images) Stop() error {
	d.cap.stop()
	d.mu.Lock()
	src := d.src
	d.mu.Unlock()
	if src != nil {
		src.SetConnected(false)
	}
	return nil
}

func (d *Images) interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return frameInterval(d.fps)
}

func (d *Images) tick(now time.Time) {
	d.mu.Lock()
	st := d.stills[d.next]
	switch {
	case d.next+1 < len(d.stills):
		d.next++
	case d.loop:
		d.next = 0
	}
	src := d.src
	d.mu.Unlock()

	src.PutFrame(src.Pool().Copy(st.data, frame.Info{
		PixelFormat: frame.MJPEG,
		Width:       st.width,
		Height:      st.height,
		Time:        now,
	}))
}

// CacheProperties implements node.PropertyCacher.
func (d *Images) CacheProperties(props *property.Container) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props = props
	props.Create("loop", property.Boolean, 0, 1, 1, 1, boolInt(d.loop))
	props.Create("position", property.Integer, 0, len(d.stills)-1, 1, 0, d.next)
	props.CreateString("directory", d.dir)
	return nil
}

// ApplyProperty implements node.PropertyApplier. A rejected position
// puts the stored property back to the current one.
func (d *Images) ApplyProperty(name string, isString bool, value int, str string) error {
	d.mu.Lock()
	switch name {
	case "loop":
		d.loop = value != 0
	case "position":
		if value < 0 || value >= len(d.stills) {
			cur, props := d.next, d.props
			d.mu.Unlock()
			if props != nil {
				if i, ok := props.Lookup("position"); ok {
					_ = props.Store(i, false, cur, "")
				}
			}
			return fmt.Errorf("position %d: %w", value, status.ErrInvalidProperty)
		}
		d.next = value
	}
	d.mu.Unlock()
	return nil
}

// SetVideoMode implements node.ModeSetter. Only the frame rate can change;
// streams scale the images when asked for another size.
func (d *Images) SetVideoMode(m frame.VideoMode) error {
	if m.PixelFormat != frame.Unknown && m.PixelFormat != frame.MJPEG {
		return fmt.Errorf("image replay is MJPEG only: %w", status.ErrUnsupportedMode)
	}
	if m.FPS < 0 {
		return fmt.Errorf("fps %d: %w", m.FPS, status.ErrUnsupportedMode)
	}
	d.mu.Lock()
	d.fps = m.FPS
	d.mu.Unlock()
	return nil
}

// VideoModes implements node.ModeLister with one mode per distinct image
// size.
func (d *Images) VideoModes() []frame.VideoMode {
	d.mu.Lock()
	fps := d.fps
	d.mu.Unlock()
	if fps <= 0 {
		fps = DefaultFPS
	}
	var modes []frame.VideoMode
	seen := map[image.Point]bool{}
	for _, st := range d.stills {
		p := image.Pt(st.width, st.height)
		if seen[p] {
			continue
		}
		seen[p] = true
		modes = append(modes, frame.VideoMode{PixelFormat: frame.MJPEG, Width: st.width, Height: st.height, FPS: fps})
	}
	return modes
}

var (
	_ node.Driver          = (*Images)(nil)
	_ node.PropertyCacher  = (*Images)(nil)
	_ node.PropertyApplier = (*Images)(nil)
)
