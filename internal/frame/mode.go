package frame

import (
	"fmt"
	"strings"
)

// PixelFormat identifies the layout of a frame's data.
type PixelFormat int

const (
	Unknown PixelFormat = iota
	MJPEG
	YUYV
	RGB565
	BGR
	Gray
)

var pixelFormatNames = []string{"unknown", "mjpeg", "yuyv", "rgb565", "bgr", "gray"}

func (p PixelFormat) String() string {
	if p < 0 || int(p) >= len(pixelFormatNames) {
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
	return pixelFormatNames[p]
}

// ParsePixelFormat accepts the lowercase names produced by String.
func ParsePixelFormat(s string) (PixelFormat, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range pixelFormatNames {
		if n == s {
			return PixelFormat(i), true
		}
	}
	return Unknown, false
}

// BytesPerPixel is zero for compressed and unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case YUYV, RGB565:
		return 2
	case BGR:
		return 3
	case Gray:
		return 1
	default:
		return 0
	}
}

func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PixelFormat) UnmarshalText(b []byte) error {
	v, ok := ParsePixelFormat(string(b))
	if !ok {
		return fmt.Errorf("unknown pixel format %q", string(b))
	}
	*p = v
	return nil
}

// VideoMode is a capture configuration. Zero fields mean "any".
type VideoMode struct {
	PixelFormat PixelFormat `json:"pixelFormat"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	FPS         int         `json:"fps"`
}

func (m VideoMode) String() string {
	return fmt.Sprintf("%s %dx%d@%d", m.PixelFormat, m.Width, m.Height, m.FPS)
}

// Merge returns m with every non-zero field of o applied.
func (m VideoMode) Merge(o VideoMode) VideoMode {
	if o.PixelFormat != Unknown {
		m.PixelFormat = o.PixelFormat
	}
	if o.Width > 0 {
		m.Width = o.Width
	}
	if o.Height > 0 {
		m.Height = o.Height
	}
	if o.FPS > 0 {
		m.FPS = o.FPS
	}
	return m
}
