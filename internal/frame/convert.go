package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/babelcloud/gbox/packages/camserver/internal/mjpeg"
)

// DefaultQuality is used when a frame must be re-encoded and no quality
// was requested.
const DefaultQuality = 80

// NeedsConversion reports whether JPEG(width, height, quality) has to decode
// and re-encode the frame instead of returning its data as is.
func (f Frame) NeedsConversion(width, height, quality int) bool {
	if f.PixelFormat() != MJPEG || quality > 0 {
		return true
	}
	return (width > 0 && width != f.Width()) || (height > 0 && height != f.Height())
}

// JPEG returns the frame as a JPEG image of the requested size. Zero width
// or height keeps the source dimension (preserving aspect ratio when only
// one is given). Quality <= 0 keeps an MJPEG frame's bytes untouched when
// no scaling is needed.
func (f Frame) JPEG(width, height, quality int) ([]byte, error) {
	if msg := f.Error(); msg != "" {
		return nil, fmt.Errorf("error frame: %s", msg)
	}
	if f.IsZero() {
		return nil, fmt.Errorf("empty frame")
	}
	if !f.NeedsConversion(width, height, quality) {
		return f.Data(), nil
	}

	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	img = scale(img, width, height)

	if quality <= 0 {
		quality = DefaultQuality
	}
	if quality > 100 {
		quality = 100
	}
	var buf bytes.Buffer
	buf.Grow(len(f.Data()))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Image decodes the frame into an image.Image. Raw formats share nothing
// with the frame buffer except Gray, which is wrapped read-only.
func (f Frame) Image() (image.Image, error) {
	info := f.Info()
	data := f.Data()
	w, h := info.Width, info.Height

	if info.PixelFormat == MJPEG {
		img, err := jpeg.Decode(bytes.NewReader(mjpeg.RepairBytes(data)))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg: %w", err)
		}
		return img, nil
	}

	bpp := info.PixelFormat.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("cannot decode pixel format %s", info.PixelFormat)
	}
	if w <= 0 || h <= 0 || len(data) < w*h*bpp {
		return nil, fmt.Errorf("%s frame: %d bytes for %dx%d", info.PixelFormat, len(data), w, h)
	}
	rect := image.Rect(0, 0, w, h)

	switch info.PixelFormat {
	case Gray:
		return &image.Gray{Pix: data[:w*h], Stride: w, Rect: rect}, nil
	case BGR:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < w*h*3; i, j = i+3, j+4 {
			img.Pix[j] = data[i+2]
			img.Pix[j+1] = data[i+1]
			img.Pix[j+2] = data[i]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case RGB565:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < w*h*2; i, j = i+2, j+4 {
			p := uint16(data[i]) | uint16(data[i+1])<<8
			r, g, b := (p>>11)&0x1f, (p>>5)&0x3f, p&0x1f
			img.Pix[j] = uint8(r<<3 | r>>2)
			img.Pix[j+1] = uint8(g<<2 | g>>4)
			img.Pix[j+2] = uint8(b<<3 | b>>2)
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case YUYV:
		if w%2 != 0 {
			return nil, fmt.Errorf("yuyv frame with odd width %d", w)
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < h; y++ {
			row := data[y*w*2 : (y+1)*w*2]
			for x := 0; x < w; x += 2 {
				q := row[x*2 : x*2+4]
				img.Y[y*img.YStride+x] = q[0]
				img.Y[y*img.YStride+x+1] = q[2]
				ci := y*img.CStride + x/2
				img.Cb[ci] = q[1]
				img.Cr[ci] = q[3]
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("cannot decode pixel format %s", info.PixelFormat)
}

func scale(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	switch {
	case width <= 0 && height <= 0:
		return src
	case width <= 0:
		width = sw * height / sh
	case height <= 0:
		height = sh * width / sw
	}
	if width == sw && height == sh {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// FromImage packs img as a raw frame of the given format (BGR or Gray) or
// as an MJPEG frame encoded at quality.
func (p *Pool) FromImage(img image.Image, pf PixelFormat, quality int, info Info) (Frame, error) {
	b := img.Bounds()
	info.PixelFormat = pf
	info.Width, info.Height = b.Dx(), b.Dy()

	switch pf {
	case MJPEG:
		if quality <= 0 {
			quality = DefaultQuality
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return Frame{}, fmt.Errorf("encode jpeg: %w", err)
		}
		return p.Copy(buf.Bytes(), info), nil
	case Gray:
		out := p.Alloc(info.Width * info.Height)
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out[i] = color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
				i++
			}
		}
		return p.Wrap(out, info), nil
	case BGR:
		out := p.Alloc(info.Width * info.Height * 3)
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
				out[i], out[i+1], out[i+2] = c.B, c.G, c.R
				i += 3
			}
		}
		return p.Wrap(out, info), nil
	}
	return Frame{}, fmt.Errorf("cannot pack pixel format %s", pf)
}
