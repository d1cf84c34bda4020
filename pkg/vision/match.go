package vision

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	// directBudget caps multiply-adds for an exhaustive search; larger
	// problems go through the coarse-to-fine path.
	directBudget = 40_000_000
	// minCoarseSide is the smallest template side kept at the coarse level.
	minCoarseSide = 6
	// coarseSlack lowers the acceptance score at the coarse level, where
	// averaging blurs detail and depresses peaks.
	coarseSlack = 0.25
	// minRefine is the minimum number of coarse peaks refined at full resolution.
	minRefine = 16
	// varianceEpsilon guards against flat windows.
	varianceEpsilon = 1e-6
)

// ErrTemplateTooLarge is returned when the template does not fit in the frame.
var ErrTemplateTooLarge = errors.New("template larger than frame")

// Candidate is one template placement (top-left corner) with its score.
type Candidate struct {
	X, Y  int
	Score float64
}

// SearchOptions tunes Search.
type SearchOptions struct {
	MinScore      float64 // Candidates below this are dropped
	MaxCandidates int     // 0 means 64
}

// Response is a dense TM_CCOEFF_NORMED score map.
type Response struct {
	W, H  int
	Score []float32
}

// At returns the score for top-left placement (x,y).
func (r *Response) At(x, y int) float32 {
	return r.Score[y*r.W+x]
}

// matcher holds a zero-mean template and frame integral images so scores
// can be computed at arbitrary placements.
type matcher struct {
	frame  *Mat
	tw, th int
	n      float64
	tz     [][]float32 // template minus its per-channel mean
	tss    float64     // sum of squared zero-mean template values, all channels
	sum    [][]float64 // integral of frame values, (W+1)*(H+1)
	sq     [][]float64 // integral of squared frame values
}

func checkPair(frame, tmpl *Mat) error {
	if frame.Empty() || tmpl.Empty() {
		return fmt.Errorf("empty image")
	}
	if frame.Channels() != tmpl.Channels() {
		return fmt.Errorf("channel mismatch: frame %d, template %d", frame.Channels(), tmpl.Channels())
	}
	if tmpl.W > frame.W || tmpl.H > frame.H {
		return fmt.Errorf("%w: %dx%d in %dx%d", ErrTemplateTooLarge, tmpl.W, tmpl.H, frame.W, frame.H)
	}
	return nil
}

func newMatcher(frame, tmpl *Mat) *matcher {
	m := &matcher{
		frame: frame,
		tw:    tmpl.W,
		th:    tmpl.H,
		n:     float64(tmpl.W * tmpl.H),
		tz:    make([][]float32, tmpl.Channels()),
		sum:   make([][]float64, frame.Channels()),
		sq:    make([][]float64, frame.Channels()),
	}

	for c, src := range tmpl.Pix {
		var mean float64
		for _, v := range src {
			mean += float64(v)
		}
		mean /= m.n
		z := make([]float32, len(src))
		for i, v := range src {
			d := float64(v) - mean
			z[i] = float32(d)
			m.tss += d * d
		}
		m.tz[c] = z
	}

	stride := frame.W + 1
	for c, src := range frame.Pix {
		s := make([]float64, stride*(frame.H+1))
		q := make([]float64, stride*(frame.H+1))
		for y := 0; y < frame.H; y++ {
			var rs, rq float64
			for x := 0; x < frame.W; x++ {
				v := float64(src[y*frame.W+x])
				rs += v
				rq += v * v
				s[(y+1)*stride+x+1] = s[y*stride+x+1] + rs
				q[(y+1)*stride+x+1] = q[y*stride+x+1] + rq
			}
		}
		m.sum[c] = s
		m.sq[c] = q
	}
	return m
}

func (m *matcher) window(tab []float64, x, y int) float64 {
	stride := m.frame.W + 1
	x2, y2 := x+m.tw, y+m.th
	return tab[y2*stride+x2] - tab[y*stride+x2] - tab[y2*stride+x] + tab[y*stride+x]
}

// at returns the normalized correlation coefficient at placement (x,y).
func (m *matcher) at(x, y int) float64 {
	var num, fvar float64
	for c, tz := range m.tz {
		src := m.frame.Pix[c]
		var dot float32
		for ty := 0; ty < m.th; ty++ {
			row := src[(y+ty)*m.frame.W+x : (y+ty)*m.frame.W+x+m.tw]
			trow := tz[ty*m.tw : (ty+1)*m.tw]
			for i, tv := range trow {
				dot += tv * row[i]
			}
		}
		num += float64(dot)
		s := m.window(m.sum[c], x, y)
		fvar += m.window(m.sq[c], x, y) - s*s/m.n
	}
	if fvar < 0 {
		fvar = 0
	}
	den := math.Sqrt(m.tss * fvar)
	if den < varianceEpsilon {
		return 0
	}
	r := num / den
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r
}

func (m *matcher) response() *Response {
	r := &Response{W: m.frame.W - m.tw + 1, H: m.frame.H - m.th + 1}
	r.Score = make([]float32, r.W*r.H)
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			r.Score[y*r.W+x] = float32(m.at(x, y))
		}
	}
	return r
}

// MatchTemplate computes the dense normalized cross-correlation map of
// tmpl over frame. Multi-channel inputs are correlated jointly.
func MatchTemplate(frame, tmpl *Mat) (*Response, error) {
	if err := checkPair(frame, tmpl); err != nil {
		return nil, err
	}
	return newMatcher(frame, tmpl).response(), nil
}

// Search returns template placements scoring at least opts.MinScore, best
// first. Each returned placement is a local maximum of the response.
// Ordering is by score, then row, then column, so equal inputs give equal
// output.
func Search(frame, tmpl *Mat, opts SearchOptions) ([]Candidate, error) {
	if err := checkPair(frame, tmpl); err != nil {
		return nil, err
	}
	limit := opts.MaxCandidates
	if limit <= 0 {
		limit = 64
	}

	k := coarseFactor(frame, tmpl)
	var out []Candidate
	if k == 1 {
		out = peaks(newMatcher(frame, tmpl).response(), opts.MinScore)
	} else {
		out = coarseToFine(frame, tmpl, k, opts.MinScore, limit)
	}

	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Best returns the single highest scoring placement regardless of score.
func Best(frame, tmpl *Mat) (Candidate, error) {
	c, err := Search(frame, tmpl, SearchOptions{MinScore: -1, MaxCandidates: 1})
	if err != nil {
		return Candidate{}, err
	}
	if len(c) == 0 {
		return Candidate{Score: -1}, nil
	}
	return c[0], nil
}

// coarseFactor picks the downsampling factor for the search, 1 meaning exhaustive.
func coarseFactor(frame, tmpl *Mat) int {
	cost := func(k int) float64 {
		fw, fh := frame.W/k, frame.H/k
		tw, th := tmpl.W/k, tmpl.H/k
		return float64((fw-tw+1)*(fh-th+1)) * float64(tw*th) * float64(tmpl.Channels())
	}
	if cost(1) <= directBudget {
		return 1
	}
	best := 1
	for k := 2; tmpl.W/k >= minCoarseSide && tmpl.H/k >= minCoarseSide; k++ {
		best = k
		if cost(k) <= directBudget {
			break
		}
	}
	return best
}

func coarseToFine(frame, tmpl *Mat, k int, minScore float64, limit int) []Candidate {
	cf, ct := Downsample(frame, k), Downsample(tmpl, k)
	coarse := peaks(newMatcher(cf, ct).response(), minScore-coarseSlack)
	sortCandidates(coarse)

	refine := limit
	if refine < minRefine {
		refine = minRefine
	}
	if len(coarse) > refine {
		coarse = coarse[:refine]
	}

	full := newMatcher(frame, tmpl)
	maxX, maxY := frame.W-tmpl.W, frame.H-tmpl.H
	seen := make(map[[2]int]bool, len(coarse))
	var out []Candidate
	for _, c := range coarse {
		best := Candidate{Score: math.Inf(-1)}
		for y := c.Y*k - k; y <= c.Y*k+k; y++ {
			if y < 0 || y > maxY {
				continue
			}
			for x := c.X*k - k; x <= c.X*k+k; x++ {
				if x < 0 || x > maxX {
					continue
				}
				if s := full.at(x, y); s > best.Score {
					best = Candidate{X: x, Y: y, Score: s}
				}
			}
		}
		key := [2]int{best.X, best.Y}
		if best.Score >= minScore && !seen[key] {
			seen[key] = true
			out = append(out, best)
		}
	}
	return out
}

// peaks returns the local maxima of r scoring at least minScore. Within a
// plateau only the first position in raster order is kept.
func peaks(r *Response, minScore float64) []Candidate {
	var out []Candidate
	for y := 0; y < r.H; y++ {
		for x := 0; x < r.W; x++ {
			s := r.Score[y*r.W+x]
			if float64(s) < minScore {
				continue
			}
			if isPeak(r, x, y, s) {
				out = append(out, Candidate{X: x, Y: y, Score: float64(s)})
			}
		}
	}
	return out
}

func isPeak(r *Response, x, y int, s float32) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= r.W || ny >= r.H {
				continue
			}
			n := r.Score[ny*r.W+nx]
			earlier := dy < 0 || (dy == 0 && dx < 0)
			if n > s || (earlier && n == s) {
				return false
			}
		}
	}
	return true
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Y != c[j].Y {
			return c[i].Y < c[j].Y
		}
		return c[i].X < c[j].X
	})
}
