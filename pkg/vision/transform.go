package vision

import (
	"fmt"
	"image"
	"math"
)

// Transform is a preprocessing step applied identically to frame and
// reference before matching.
type Transform string

const (
	Identity Transform = "identity" // RGB as captured
	Enhance  Transform = "enhance"  // Per-channel histogram equalization
	Edges    Transform = "edges"    // Sobel gradient magnitude of luma, one channel
	HSV      Transform = "hsv"      // Hue, saturation, value scaled to 0..255
)

// ParseTransform maps a config name to a Transform. "default" is accepted
// as an alias for identity.
func ParseTransform(name string) (Transform, error) {
	switch name {
	case "", "default", string(Identity):
		return Identity, nil
	case string(Enhance):
		return Enhance, nil
	case string(Edges):
		return Edges, nil
	case string(HSV):
		return HSV, nil
	default:
		return "", fmt.Errorf("unknown transform %q", name)
	}
}

// Apply converts img to a Mat under the transform.
func (t Transform) Apply(img image.Image) *Mat {
	return t.ApplyMat(FromImage(img))
}

// ApplyMat runs the transform on an RGB Mat.
func (t Transform) ApplyMat(m *Mat) *Mat {
	switch t {
	case Enhance:
		return equalize(m)
	case Edges:
		return sobel(Gray(m))
	case HSV:
		return toHSV(m)
	default:
		return m
	}
}

// equalize spreads each channel's histogram over the full range.
func equalize(m *Mat) *Mat {
	out := NewMat(m.W, m.H, m.Channels())
	n := m.W * m.H
	for c, src := range m.Pix {
		var hist [256]int
		for _, v := range src {
			hist[clamp8(v)]++
		}
		var cdf [256]int
		run, cdfMin := 0, 0
		for i, h := range hist {
			run += h
			cdf[i] = run
			if cdfMin == 0 && run > 0 {
				cdfMin = run
			}
		}
		dst := out.Pix[c]
		if n == cdfMin {
			copy(dst, src)
			continue
		}
		scale := 255 / float32(n-cdfMin)
		for i, v := range src {
			dst[i] = float32(cdf[clamp8(v)]-cdfMin) * scale
		}
	}
	return out
}

// sobel computes the gradient magnitude of a single-channel Mat with
// replicated borders.
func sobel(g *Mat) *Mat {
	out := NewMat(g.W, g.H, 1)
	src, dst := g.Pix[0], out.Pix[0]
	at := func(x, y int) float32 {
		if x < 0 {
			x = 0
		} else if x >= g.W {
			x = g.W - 1
		}
		if y < 0 {
			y = 0
		} else if y >= g.H {
			y = g.H - 1
		}
		return src[y*g.W+x]
	}
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			gx := -at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1) +
				at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			mag := float32(math.Sqrt(float64(gx*gx + gy*gy)))
			if mag > 255 {
				mag = 255
			}
			dst[y*g.W+x] = mag
		}
	}
	return out
}

func toHSV(m *Mat) *Mat {
	out := NewMat(m.W, m.H, 3)
	r, g, b := m.Pix[0], m.Pix[1], m.Pix[2]
	hh, ss, vv := out.Pix[0], out.Pix[1], out.Pix[2]
	for i := range r {
		rf, gf, bf := r[i]/255, g[i]/255, b[i]/255
		maxc := max3(rf, gf, bf)
		minc := min3(rf, gf, bf)
		delta := maxc - minc

		var h float32
		switch {
		case delta == 0:
			h = 0
		case maxc == rf:
			h = 60 * float32(math.Mod(float64((gf-bf)/delta), 6))
		case maxc == gf:
			h = 60 * ((bf-rf)/delta + 2)
		default:
			h = 60 * ((rf-gf)/delta + 4)
		}
		if h < 0 {
			h += 360
		}
		var s float32
		if maxc > 0 {
			s = delta / maxc
		}
		hh[i] = h / 360 * 255
		ss[i] = s * 255
		vv[i] = maxc * 255
	}
	return out
}

func max3(a, b, c float32) float32 {
	if b > a {
		a = b
	}
	if c > a {
		a = c
	}
	return a
}

func min3(a, b, c float32) float32 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
