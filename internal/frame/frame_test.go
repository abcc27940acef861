package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefCounting(t *testing.T) {
	p := NewPool(4)
	f := p.Copy([]byte{1, 2, 3}, Info{PixelFormat: Gray, Width: 3, Height: 1})
	assert.Equal(t, 1, f.RefCount())

	g := f.Retain()
	assert.True(t, Same(f, g))
	assert.Equal(t, 2, f.RefCount())

	g.Release()
	assert.Equal(t, 1, f.RefCount())
	assert.Equal(t, 0, p.Free())

	f.Release()
	assert.Equal(t, 0, f.RefCount())
	assert.Equal(t, 1, p.Free())

	assert.Panics(t, func() { f.Release() })
}

func TestConcurrentRetainRelease(t *testing.T) {
	p := NewPool(4)
	f := p.Copy(make([]byte, 64), Info{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				f.Retain().Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.RefCount())
	f.Release()
	assert.Equal(t, 1, p.Free())
}

func TestPoolReusesSmallestFit(t *testing.T) {
	p := NewPool(4)
	p.Wrap(p.Alloc(100), Info{}).Release()
	p.Wrap(p.Alloc(10), Info{}).Release()
	require.Equal(t, 2, p.Free())

	b := p.Alloc(8)
	assert.Len(t, b, 8)
	assert.Equal(t, 10, cap(b))

	b = p.Alloc(500)
	assert.Len(t, b, 500)
	allocs, reuses := p.Stats()
	assert.Equal(t, 3, allocs)
	assert.Equal(t, 1, reuses)
}

func TestPoolBoundsIdleBuffers(t *testing.T) {
	p := NewPool(1)
	a := p.Copy([]byte{1}, Info{})
	b := p.Copy([]byte{2}, Info{})
	a.Release()
	b.Release()
	assert.Equal(t, 1, p.Free())
}

func TestErrorFrame(t *testing.T) {
	p := NewPool(0)
	now := time.Now()
	f := p.Error("camera unplugged", now)
	assert.Equal(t, "camera unplugged", f.Error())
	assert.Equal(t, now, f.Time())
	assert.Zero(t, f.Size())

	_, err := f.JPEG(0, 0, 0)
	assert.Error(t, err)
	f.Release()
}

func TestZeroFrame(t *testing.T) {
	var f Frame
	assert.True(t, f.IsZero())
	assert.Nil(t, f.Data())
	assert.Equal(t, 0, f.RefCount())
	f.Release()
	assert.True(t, f.Retain().IsZero())
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestJPEGPassthrough(t *testing.T) {
	p := NewPool(0)
	data := testJPEG(t, 32, 16)
	f := p.Copy(data, Info{PixelFormat: MJPEG, Width: 32, Height: 16})
	defer f.Release()

	assert.False(t, f.NeedsConversion(0, 0, 0))
	assert.False(t, f.NeedsConversion(32, 16, -1))
	out, err := f.JPEG(0, 0, 0)
	require.NoError(t, err)
	assert.Same(t, &f.Data()[0], &out[0])
}

func TestJPEGConversion(t *testing.T) {
	p := NewPool(0)
	tests := []struct {
		name          string
		frame         Frame
		width, height int
		wantW, wantH  int
	}{
		{"scale mjpeg", p.Copy(testJPEG(t, 32, 16), Info{PixelFormat: MJPEG, Width: 32, Height: 16}), 16, 8, 16, 8},
		{"keep aspect", p.Copy(testJPEG(t, 32, 16), Info{PixelFormat: MJPEG, Width: 32, Height: 16}), 8, 0, 8, 4},
		{"gray", p.Copy(make([]byte, 4*2), Info{PixelFormat: Gray, Width: 4, Height: 2}), 0, 0, 4, 2},
		{"bgr", p.Copy(make([]byte, 4*2*3), Info{PixelFormat: BGR, Width: 4, Height: 2}), 0, 0, 4, 2},
		{"rgb565", p.Copy(make([]byte, 4*2*2), Info{PixelFormat: RGB565, Width: 4, Height: 2}), 0, 0, 4, 2},
		{"yuyv", p.Copy(bytes.Repeat([]byte{16, 128, 16, 128}, 4), Info{PixelFormat: YUYV, Width: 4, Height: 2}), 0, 0, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.frame.Release()
			out, err := tt.frame.JPEG(tt.width, tt.height, 0)
			require.NoError(t, err)
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
		})
	}
}

func TestJPEGRejectsShortRawFrame(t *testing.T) {
	p := NewPool(0)
	f := p.Copy(make([]byte, 3), Info{PixelFormat: BGR, Width: 4, Height: 4})
	defer f.Release()
	_, err := f.JPEG(0, 0, 0)
	assert.Error(t, err)
}

func TestFromImage(t *testing.T) {
	p := NewPool(0)
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{10, 20, 30, 255})

	f, err := p.FromImage(img, BGR, 0, Info{})
	require.NoError(t, err)
	assert.Equal(t, []byte{30, 20, 10, 0, 0, 0}, f.Data())
	assert.Equal(t, 2, f.Width())
	f.Release()

	f, err = p.FromImage(img, MJPEG, 90, Info{})
	require.NoError(t, err)
	assert.Equal(t, MJPEG, f.PixelFormat())
	assert.Equal(t, []byte{0xff, 0xd8}, f.Data()[:2])
	f.Release()

	_, err = p.FromImage(img, YUYV, 0, Info{})
	assert.Error(t, err)
}

func TestPixelFormatText(t *testing.T) {
	for _, pf := range []PixelFormat{Unknown, MJPEG, YUYV, RGB565, BGR, Gray} {
		b, err := pf.MarshalText()
		require.NoError(t, err)
		var got PixelFormat
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, pf, got)
	}
	var pf PixelFormat
	assert.Error(t, pf.UnmarshalText([]byte("h264")))
	got, ok := ParsePixelFormat(" MJPEG ")
	assert.True(t, ok)
	assert.Equal(t, MJPEG, got)
}

func TestVideoModeMerge(t *testing.T) {
	m := VideoMode{PixelFormat: MJPEG, Width: 640, Height: 480, FPS: 30}
	got := m.Merge(VideoMode{Width: 320, Height: 240})
	assert.Equal(t, VideoMode{PixelFormat: MJPEG, Width: 320, Height: 240, FPS: 30}, got)
	assert.Equal(t, "mjpeg 320x240@30", got.String())
}
