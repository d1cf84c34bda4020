// Package vision provides the pixel-level primitives used by the locator:
// planar float images, preprocessing transforms, normalized cross-correlation
// and a small feature summary for diagnostics.
package vision

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Mat is a planar float32 image. Pixel (x,y) of channel c is Pix[c][y*W+x].
// Values are in the 0..255 range.
type Mat struct {
	W, H int
	Pix  [][]float32
}

// NewMat allocates a zeroed Mat.
func NewMat(w, h, channels int) *Mat {
	m := &Mat{W: w, H: h, Pix: make([][]float32, channels)}
	for c := range m.Pix {
		m.Pix[c] = make([]float32, w*h)
	}
	return m
}

// Channels returns the channel count.
func (m *Mat) Channels() int {
	return len(m.Pix)
}

// Empty reports whether the Mat has no pixels.
func (m *Mat) Empty() bool {
	return m == nil || m.W == 0 || m.H == 0 || len(m.Pix) == 0
}

// FromImage converts img to a 3-channel RGB Mat.
func FromImage(img image.Image) *Mat {
	b := img.Bounds()
	m := NewMat(b.Dx(), b.Dy(), 3)
	r, g, bl := m.Pix[0], m.Pix[1], m.Pix[2]

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < m.H; y++ {
			row := src.Pix[(y+b.Min.Y-src.Rect.Min.Y)*src.Stride+(b.Min.X-src.Rect.Min.X)*4:]
			for x := 0; x < m.W; x++ {
				i := y*m.W + x
				r[i] = float32(row[x*4])
				g[i] = float32(row[x*4+1])
				bl[i] = float32(row[x*4+2])
			}
		}
	case *image.NRGBA:
		for y := 0; y < m.H; y++ {
			row := src.Pix[(y+b.Min.Y-src.Rect.Min.Y)*src.Stride+(b.Min.X-src.Rect.Min.X)*4:]
			for x := 0; x < m.W; x++ {
				i := y*m.W + x
				r[i] = float32(row[x*4])
				g[i] = float32(row[x*4+1])
				bl[i] = float32(row[x*4+2])
			}
		}
	default:
		for y := 0; y < m.H; y++ {
			for x := 0; x < m.W; x++ {
				cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := y*m.W + x
				r[i] = float32(cr >> 8)
				g[i] = float32(cg >> 8)
				bl[i] = float32(cb >> 8)
			}
		}
	}
	return m
}

// Gray returns a single-channel luma Mat (BT.601 weights).
func Gray(m *Mat) *Mat {
	if m.Channels() == 1 {
		return m
	}
	out := NewMat(m.W, m.H, 1)
	r, g, b := m.Pix[0], m.Pix[1], m.Pix[2]
	for i := range out.Pix[0] {
		out.Pix[0][i] = 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
	}
	return out
}

// Downsample shrinks m by an integer factor using box averaging.
func Downsample(m *Mat, k int) *Mat {
	if k <= 1 {
		return m
	}
	w, h := m.W/k, m.H/k
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	out := NewMat(w, h, m.Channels())
	for c, src := range m.Pix {
		dst := out.Pix[c]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sum float32
				var n int
				for dy := 0; dy < k && y*k+dy < m.H; dy++ {
					row := (y*k + dy) * m.W
					for dx := 0; dx < k && x*k+dx < m.W; dx++ {
						sum += src[row+x*k+dx]
						n++
					}
				}
				dst[y*w+x] = sum / float32(n)
			}
		}
	}
	return out
}

// Scale resizes img by factor f with Catmull-Rom resampling.
// The result is at least 1x1.
func Scale(img image.Image, f float64) image.Image {
	if f == 1 {
		return img
	}
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * f))
	h := int(math.Round(float64(b.Dy()) * f))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Crop returns the part of img inside r, clipped to the image bounds.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, img, r, xdraw.Src, nil)
	return dst
}

// Binarize converts img to black and white at threshold. With invert set,
// pixels brighter than threshold become black, which suits dark text on
// light OCR input.
func Binarize(img image.Image, threshold uint8, invert bool) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			l := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			on := l > threshold
			if invert {
				on = !on
			}
			if on {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// ToGrayImage converts a single-channel Mat to an image.Gray, clamping values.
func ToGrayImage(m *Mat) *image.Gray {
	p := Gray(m)
	out := image.NewGray(image.Rect(0, 0, p.W, p.H))
	for i, v := range p.Pix[0] {
		out.Pix[i] = clamp8(v)
	}
	return out
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
