package vision

import (
	"encoding/json"
	"image"
)

// edgeThreshold is the Sobel magnitude above which a pixel counts as an edge.
const edgeThreshold = 64

// Summary is a small description of an image kept for diagnostics.
type Summary struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	MeanColor   [3]float64  `json:"meanColor"`   // R, G, B
	EdgeDensity float64     `json:"edgeDensity"` // Fraction of edge pixels
	Histogram   [16]float64 `json:"histogram"`   // Normalized luma histogram
}

// Summarize computes the Summary of img.
func Summarize(img image.Image) Summary {
	m := FromImage(img)
	s := Summary{Width: m.W, Height: m.H}
	n := float64(m.W * m.H)
	if n == 0 {
		return s
	}

	for c := 0; c < 3; c++ {
		var sum float64
		for _, v := range m.Pix[c] {
			sum += float64(v)
		}
		s.MeanColor[c] = sum / n
	}

	g := Gray(m)
	for _, v := range g.Pix[0] {
		s.Histogram[clamp8(v)/16]++
	}
	for i := range s.Histogram {
		s.Histogram[i] /= n
	}

	var edges int
	for _, v := range sobel(g).Pix[0] {
		if v > edgeThreshold {
			edges++
		}
	}
	s.EdgeDensity = float64(edges) / n
	return s
}

// String renders the summary as compact JSON.
func (s Summary) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}
