package sources

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
	"github.com/babelcloud/gbox/packages/camserver/internal/status"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

const PatternKind = "pattern"

// patternQuality is the JPEG quality of MJPEG pattern frames.
const patternQuality = 85

var defaultMode = frame.VideoMode{
	PixelFormat: frame.MJPEG,
	Width:       DefaultWidth,
	Height:      DefaultHeight,
	FPS:         DefaultFPS,
}

var patternStyles = []string{"bars", "checkerboard"}

// SMPTE-like colour bars, left to right.
var barColors = []color.RGBA{
	{235, 235, 235, 255},
	{235, 235, 16, 255},
	{16, 235, 235, 255},
	{16, 235, 16, 255},
	{235, 16, 235, 255},
	{235, 16, 16, 255},
	{16, 16, 235, 255},
	{16, 16, 16, 255},
}

var patternModes = []frame.VideoMode{
	{PixelFormat: frame.MJPEG, Width: 320, Height: 240, FPS: 30},
	{PixelFormat: frame.MJPEG, Width: 640, Height: 480, FPS: 30},
	{PixelFormat: frame.MJPEG, Width: 1280, Height: 720, FPS: 30},
	{PixelFormat: frame.Gray, Width: 640, Height: 480, FPS: 30},
	{PixelFormat: frame.BGR, Width: 640, Height: 480, FPS: 30},
}

// Pattern is a driver that renders a synthetic test image: colour bars or
// a checkerboard, a bar sweeping across the frame and a caption with the
// capture time. Brightness scales the rendered colours.
type Pattern struct {
	mu           sync.Mutex
	mode         frame.VideoMode
	brightness   int
	label        string
	showTime     bool
	style        int
	whiteBalance string
	exposure     string
	props        *property.Container
	src          *node.Source
	seq          int

	cap    capture
	logger *slog.Logger
}

// NewPattern returns a pattern driver captioned with label.
func NewPattern(label string) *Pattern {
	return &Pattern{
		brightness:   50,
		label:        label,
		showTime:     true,
		whiteBalance: "auto",
		exposure:     "auto",
		logger:       util.GetLogger().With("component", "pattern", "label", label),
	}
}

// Start implements node.Driver.
func (p *Pattern) Start(src *node.Source) error {
	p.mu.Lock()
	p.src = src
	if m := src.VideoMode(); m != (frame.VideoMode{}) {
		p.mode = m
	}
	m := p.effectiveModeLocked()
	p.mu.Unlock()

	src.SetConnected(true)
	p.cap.start(p.interval, p.tick)
	p.logger.Debug("Pattern capture started", "mode", m.String())
	return nil
}

// Stop implements node.Driver.
func (p *Pattern) Stop() error {
	p.cap.stop()
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src != nil {
		src.SetConnected(false)
	}
	p.logger.Debug("Pattern capture stopped")
	return nil
}

func (p *Pattern) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return frameInterval(p.mode.FPS)
}

func (p *Pattern) effectiveModeLocked() frame.VideoMode {
	return defaultMode.Merge(p.mode)
}

type renderState struct {
	mode       frame.VideoMode
	brightness int
	label      string
	showTime   bool
	style      int
	seq        int
}

func (p *Pattern) tick(now time.Time) {
	p.mu.Lock()
	st := renderState{
		mode:       p.effectiveModeLocked(),
		brightness: p.brightness,
		label:      p.label,
		showTime:   p.showTime,
		style:      p.style,
		seq:        p.seq,
	}
	p.seq++
	src := p.src
	p.mu.Unlock()

	img := render(now, st)
	f, err := src.Pool().FromImage(img, st.mode.PixelFormat, patternQuality, frame.Info{Time: now})
	if err != nil {
		p.logger.Warn("Pattern frame failed", "error", err)
		src.PutError(err.Error(), now)
		return
	}
	src.PutFrame(f)
}

func scaleColor(c color.RGBA, brightness int) color.RGBA {
	s := func(v uint8) uint8 {
		n := int(v) * brightness / 50
		if n > 255 {
			n = 255
		}
		return uint8(n)
	}
	return color.RGBA{s(c.R), s(c.G), s(c.B), 255}
}

func fill(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func render(now time.Time, st renderState) *image.RGBA {
	w, h := st.mode.Width, st.mode.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	switch patternStyles[st.style] {
	case "checkerboard":
		const cell = 32
		light := scaleColor(color.RGBA{200, 200, 200, 255}, st.brightness)
		dark := scaleColor(color.RGBA{40, 40, 40, 255}, st.brightness)
		for y := 0; y < h; y += cell {
			for x := 0; x < w; x += cell {
				c := dark
				if (x/cell+y/cell)%2 == 0 {
					c = light
				}
				fill(img, image.Rect(x, y, x+cell, y+cell).Intersect(img.Bounds()), c)
			}
		}
	default:
		n := len(barColors)
		for i, c := range barColors {
			fill(img, image.Rect(i*w/n, 0, (i+1)*w/n, h), scaleColor(c, st.brightness))
		}
	}

	// sweeping bar, one full pass every 4 seconds at 30 fps
	if w > 0 {
		step := max(w/120, 1)
		x := (st.seq * step) % w
		fill(img, image.Rect(x, 0, x+max(w/80, 2), h), scaleColor(color.RGBA{255, 255, 255, 255}, st.brightness))
	}

	caption := st.label
	if st.showTime {
		if caption != "" {
			caption += " "
		}
		caption += now.Format("2006-01-02 15:04:05.000")
	}
	if caption != "" {
		face := basicfont.Face7x13
		strip := face.Height + 6
		fill(img, image.Rect(0, h-strip, w, h), color.RGBA{0, 0, 0, 255})
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
			Face: face,
			Dot:  fixed.Point26_6{X: fixed.I(4), Y: fixed.I(h - 3 - face.Descent)},
		}
		d.DrawString(caption)
	}
	return img
}

// CacheProperties implements node.PropertyCacher.
func (p *Pattern) CacheProperties(props *property.Container) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props = props
	props.Create("brightness", property.Integer, 0, 100, 1, 50, p.brightness)
	props.CreateString("label", p.label)
	props.Create("show_timestamp", property.Boolean, 0, 1, 1, 1, boolInt(p.showTime))
	i := props.Create("pattern", property.Enum, 0, len(patternStyles)-1, 1, 0, p.style)
	return props.SetChoices(i, patternStyles)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ApplyProperty implements node.PropertyApplier.
func (p *Pattern) ApplyProperty(name string, isString bool, value int, str string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "brightness":
		p.brightness = min(max(value, 0), 100)
	case "label":
		p.label = str
	case "show_timestamp":
		p.showTime = value != 0
	case "pattern":
		if value < 0 || value >= len(patternStyles) {
			return fmt.Errorf("pattern %d: %w", value, status.ErrInvalidProperty)
		}
		p.style = value
	}
	return nil
}

// SetVideoMode implements node.ModeSetter.
func (p *Pattern) SetVideoMode(m frame.VideoMode) error {
	switch m.PixelFormat {
	case frame.Unknown, frame.MJPEG, frame.Gray, frame.BGR:
	default:
		return fmt.Errorf("pattern cannot produce %s: %w", m.PixelFormat, status.ErrUnsupportedMode)
	}
	if m.Width < 0 || m.Height < 0 || m.Width > 4096 || m.Height > 4096 || m.FPS < 0 || m.FPS > 240 {
		return fmt.Errorf("pattern mode %s: %w", m, status.ErrUnsupportedMode)
	}
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	return nil
}

// VideoModes implements node.ModeLister.
func (p *Pattern) VideoModes() []frame.VideoMode {
	return append([]frame.VideoMode(nil), patternModes...)
}

// SetBrightness implements node.CameraControls and keeps the brightness
// property in step.
func (p *Pattern) SetBrightness(v int) error {
	v = min(max(v, 0), 100)
	p.mu.Lock()
	p.brightness = v
	props := p.props
	p.mu.Unlock()
	if props != nil {
		if i, ok := props.Lookup("brightness"); ok {
			return props.Store(i, false, v, "")
		}
	}
	return nil
}

func (p *Pattern) Brightness() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brightness, nil
}

func (p *Pattern) setControl(dst *string, v string) error {
	p.mu.Lock()
	*dst = v
	p.mu.Unlock()
	p.logger.Debug("Camera control ignored by pattern", "value", v)
	return nil
}

func (p *Pattern) SetWhiteBalanceAuto() error        { return p.setControl(&p.whiteBalance, "auto") }
func (p *Pattern) SetWhiteBalanceHoldCurrent() error { return p.setControl(&p.whiteBalance, "hold") }
func (p *Pattern) SetWhiteBalanceManual(v int) error {
	return p.setControl(&p.whiteBalance, fmt.Sprintf("manual:%d", v))
}
func (p *Pattern) SetExposureAuto() error        { return p.setControl(&p.exposure, "auto") }
func (p *Pattern) SetExposureHoldCurrent() error { return p.setControl(&p.exposure, "hold") }
func (p *Pattern) SetExposureManual(v int) error {
	return p.setControl(&p.exposure, fmt.Sprintf("manual:%d", v))
}

var (
	_ node.Driver         = (*Pattern)(nil)
	_ node.CameraControls = (*Pattern)(nil)
	_ node.ModeSetter     = (*Pattern)(nil)
	_ node.ModeLister     = (*Pattern)(nil)
)
