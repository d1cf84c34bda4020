// Package locator finds named reference images inside captured frames.
//
// Frames may come from devices rendering at different resolutions. The
// locator snaps the frame size to the nearest known resolution, derives a
// scale against the baseline the references were captured at, and searches
// a small set of scale and preprocessing variants, keeping the best hit.
package locator

import (
	"fmt"
	"image"
	_ "image/jpeg" // reference decoders
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/vision"
)

// Config configures a Locator.
type Config struct {
	Assets           string             // Directory holding <name>.png references
	BaseResolution   image.Point        // Resolution references were captured at
	Resolutions      []image.Point      // Known device resolutions
	DefaultThreshold float64            // Used when no per-name threshold is set
	Thresholds       map[string]float64 // Per reference name
	Transforms       []vision.Transform // Tried in order for each scale
	ScaleVariants    []float64          // Multipliers of the detected scale, tried in order
	PollInterval     time.Duration      // Default WaitFor poll interval
}

// ConfigFrom converts the workspace configuration.
func ConfigFrom(c *config.Config) (Config, error) {
	cfg := Config{
		Assets:           c.Assets,
		BaseResolution:   image.Pt(c.BaseResolution.Width, c.BaseResolution.Height),
		DefaultThreshold: c.Locator.DefaultThreshold,
		Thresholds:       c.Locator.Thresholds,
		ScaleVariants:    c.Locator.ScaleVariants,
		PollInterval:     config.Ms(c.Locator.PollIntervalMs),
	}
	for _, r := range c.Locator.Resolutions {
		cfg.Resolutions = append(cfg.Resolutions, image.Pt(r.Width, r.Height))
	}
	for _, name := range c.Locator.Transforms {
		t, err := vision.ParseTransform(name)
		if err != nil {
			return Config{}, core.ErrInvalidConfig.WithCause(err)
		}
		cfg.Transforms = append(cfg.Transforms, t)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseResolution == (image.Point{}) {
		c.BaseResolution = image.Pt(1280, 720)
	}
	if len(c.Resolutions) == 0 {
		c.Resolutions = []image.Point{c.BaseResolution}
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 0.8
	}
	if len(c.Transforms) == 0 {
		c.Transforms = []vision.Transform{vision.Identity}
	}
	if len(c.ScaleVariants) == 0 {
		c.ScaleVariants = []float64{1.0, 0.9, 1.1}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Match is one located occurrence of a reference in a frame.
type Match struct {
	X         int              `json:"x"`
	Y         int              `json:"y"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Score     float64          `json:"score"`
	Scale     float64          `json:"scale"`     // Scale the reference was searched at
	Transform vision.Transform `json:"transform"` // Preprocessing that produced the hit
}

// Center returns the center of the matched region.
func (m Match) Center() core.Point {
	return m.Bounds().Center()
}

// Bounds returns the matched region.
func (m Match) Bounds() core.Bounds {
	return core.Bounds{X: m.X, Y: m.Y, Width: m.Width, Height: m.Height}
}

// Reference is a decoded reference image. It is immutable once loaded;
// scaled and transformed variants are memoized per reference.
type Reference struct {
	Name    string
	Image   image.Image
	Summary vision.Summary

	variants sync.Map // variantKey -> *vision.Mat
}

type variantKey struct {
	scale     float64
	transform vision.Transform
}

func newReference(name string, img image.Image) *Reference {
	return &Reference{Name: name, Image: img, Summary: vision.Summarize(img)}
}

// Size returns the unscaled reference dimensions.
func (r *Reference) Size() image.Point {
	return r.Image.Bounds().Size()
}

func (r *Reference) variant(scale float64, t vision.Transform) *vision.Mat {
	key := variantKey{scale: scale, transform: t}
	if v, ok := r.variants.Load(key); ok {
		return v.(*vision.Mat)
	}
	m := t.Apply(vision.Scale(r.Image, scale))
	v, _ := r.variants.LoadOrStore(key, m)
	return v.(*vision.Mat)
}

// Locator finds reference images in frames. It is safe for concurrent use.
type Locator struct {
	cfg   Config
	refs  sync.Map // name -> *Reference
	loads singleflight.Group
	load  func(name string) (image.Image, error)
	ocr   TextRecognizer
}

// Option configures a Locator.
type Option func(*Locator)

// WithLoader replaces the default file loader.
func WithLoader(load func(name string) (image.Image, error)) Option {
	return func(l *Locator) { l.load = load }
}

// WithRecognizer sets the OCR backend used by ReadText.
func WithRecognizer(r TextRecognizer) Option {
	return func(l *Locator) { l.ocr = r }
}

// New creates a Locator.
func New(cfg Config, opts ...Option) *Locator {
	cfg.applyDefaults()
	l := &Locator{cfg: cfg}
	l.load = l.loadFile
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register adds an in-memory reference, replacing any cached one.
func (l *Locator) Register(name string, img image.Image) {
	l.refs.Store(name, newReference(name, img))
}

// Reference returns the named reference, loading it on first use.
// Concurrent first lookups of one name share a single load.
func (l *Locator) Reference(name string) (*Reference, error) {
	if v, ok := l.refs.Load(name); ok {
		return v.(*Reference), nil
	}
	v, err, _ := l.loads.Do(name, func() (interface{}, error) {
		if v, ok := l.refs.Load(name); ok {
			return v, nil
		}
		img, err := l.load(name)
		if err != nil {
			return nil, err
		}
		ref := newReference(name, img)
		l.refs.Store(name, ref)
		logger.Debug("Loaded reference %s (%dx%d)", name, ref.Size().X, ref.Size().Y)
		return ref, nil
	})
	if err != nil {
		return nil, core.ErrInvalidInput.WithMessage(fmt.Sprintf("reference %q could not be loaded", name)).WithCause(err)
	}
	return v.(*Reference), nil
}

// Path returns the file a reference name resolves to.
func (l *Locator) Path(name string) string {
	if filepath.Ext(name) == "" {
		name += ".png"
	}
	return filepath.Join(l.cfg.Assets, name)
}

func (l *Locator) loadFile(name string) (image.Image, error) {
	f, err := os.Open(l.Path(name)) //#nosec G304 -- reference images come from the configured assets dir
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.Path(name), err)
	}
	return img, nil
}

// Threshold returns the configured threshold for a reference name.
func (l *Locator) Threshold(name string) float64 {
	if th, ok := l.cfg.Thresholds[name]; ok && th > 0 {
		return th
	}
	return l.cfg.DefaultThreshold
}

// PollInterval returns the default WaitFor poll interval.
func (l *Locator) PollInterval() time.Duration {
	return l.cfg.PollInterval
}

// ScaleFor returns the scale of a frame of the given size relative to the
// baseline: the mean of width and height ratios of the nearest known
// resolution.
func (l *Locator) ScaleFor(size image.Point) float64 {
	nearest := l.cfg.Resolutions[0]
	best := math.Inf(1)
	for _, r := range l.cfg.Resolutions {
		d := math.Hypot(float64(size.X-r.X), float64(size.Y-r.Y))
		if d < best {
			best, nearest = d, r
		}
	}
	base := l.cfg.BaseResolution
	return (float64(nearest.X)/float64(base.X) + float64(nearest.Y)/float64(base.Y)) / 2
}

// FindOption adjusts a single search.
type FindOption func(*findOptions)

type findOptions struct {
	threshold float64
}

// WithThreshold overrides the configured threshold for one search.
func WithThreshold(th float64) FindOption {
	return func(o *findOptions) { o.threshold = th }
}

// frameCache memoizes transformed frames within one search call.
type frameCache struct {
	img image.Image
	rgb *vision.Mat
	by  map[vision.Transform]*vision.Mat
}

func newFrameCache(img image.Image) *frameCache {
	return &frameCache{img: img, by: make(map[vision.Transform]*vision.Mat)}
}

func (f *frameCache) get(t vision.Transform) *vision.Mat {
	if m, ok := f.by[t]; ok {
		return m
	}
	if f.rgb == nil {
		f.rgb = vision.FromImage(f.img)
	}
	m := t.ApplyMat(f.rgb)
	f.by[t] = m
	return m
}

// prepare validates inputs and resolves the reference and threshold.
func (l *Locator) prepare(frame image.Image, name string, opts []FindOption) (*Reference, float64, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, 0, core.ErrInvalidInput.WithMessage("frame is empty")
	}
	ref, err := l.Reference(name)
	if err != nil {
		return nil, 0, err
	}
	fs, rs := frame.Bounds().Size(), ref.Size()
	if rs.X > fs.X || rs.Y > fs.Y {
		return nil, 0, core.ErrInvalidInput.WithMessage(
			fmt.Sprintf("reference %q (%dx%d) is larger than frame (%dx%d)", name, rs.X, rs.Y, fs.X, fs.Y))
	}

	o := findOptions{threshold: l.Threshold(name)}
	for _, opt := range opts {
		opt(&o)
	}
	return ref, o.threshold, nil
}

// search runs every scale and transform variant in fixed order and calls
// visit with each variant's candidates.
func (l *Locator) search(frame image.Image, ref *Reference, minScore float64, limit int, visit func([]Match)) {
	base := l.ScaleFor(frame.Bounds().Size())
	fs := frame.Bounds().Size()
	frames := newFrameCache(frame)

	for _, mult := range l.cfg.ScaleVariants {
		scale := base * mult
		for _, t := range l.cfg.Transforms {
			tmpl := ref.variant(scale, t)
			if tmpl.W > fs.X || tmpl.H > fs.Y {
				continue
			}
			cands, err := vision.Search(frames.get(t), tmpl, vision.SearchOptions{MinScore: minScore, MaxCandidates: limit})
			if err != nil {
				logger.Debug("Search %s at scale %.3f/%s skipped: %v", ref.Name, scale, t, err)
				continue
			}
			matches := make([]Match, len(cands))
			for i, c := range cands {
				matches[i] = Match{
					X: c.X + frame.Bounds().Min.X, Y: c.Y + frame.Bounds().Min.Y,
					Width: tmpl.W, Height: tmpl.H,
					Score: c.Score, Scale: scale, Transform: t,
				}
			}
			visit(matches)
		}
	}
}

// Find returns the best match of the named reference in frame. found is
// false, with a nil error, when nothing clears the threshold.
func (l *Locator) Find(frame image.Image, name string, opts ...FindOption) (Match, bool, error) {
	ref, th, err := l.prepare(frame, name, opts)
	if err != nil {
		return Match{}, false, err
	}

	var best Match
	found := false
	l.search(frame, ref, th, 1, func(ms []Match) {
		if len(ms) > 0 && (!found || ms[0].Score > best.Score) {
			best, found = ms[0], true
		}
	})

	if found {
		logger.Debug("Found %s at (%d,%d) score %.3f scale %.3f %s", name, best.X, best.Y, best.Score, best.Scale, best.Transform)
	}
	return best, found, nil
}

// FindAll returns up to maxResults matches, best first. A match whose
// center lies within half its width and height of an accepted match is
// treated as the same element and dropped. maxResults <= 0 means no cap.
func (l *Locator) FindAll(frame image.Image, name string, maxResults int, opts ...FindOption) ([]Match, error) {
	ref, th, err := l.prepare(frame, name, opts)
	if err != nil {
		return nil, err
	}

	limit := 64
	if maxResults > 0 && maxResults*4 > limit {
		limit = maxResults * 4
	}
	var all []Match
	l.search(frame, ref, th, limit, func(ms []Match) {
		all = append(all, ms...)
	})

	// Stable keeps variant order among equal scores
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	var accepted []Match
	for _, m := range all {
		if maxResults > 0 && len(accepted) >= maxResults {
			break
		}
		if !overlapsAny(m, accepted) {
			accepted = append(accepted, m)
		}
	}
	return accepted, nil
}

func overlapsAny(m Match, accepted []Match) bool {
	c := m.Center()
	for _, a := range accepted {
		ac := a.Center()
		if abs(c.X-ac.X) < m.Width/2 && abs(c.Y-ac.Y) < m.Height/2 {
			return true
		}
	}
	return false
}

// Probe reports the best score of every variant, for diagnostics.
func (l *Locator) Probe(frame image.Image, name string) ([]Match, error) {
	ref, _, err := l.prepare(frame, name, nil)
	if err != nil {
		return nil, err
	}
	var out []Match
	l.search(frame, ref, -1, 1, func(ms []Match) {
		if len(ms) > 0 {
			out = append(out, ms[0])
		}
	})
	return out, nil
}

// Names lists the reference names available in the assets directory.
func (l *Locator) Names() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Assets)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".png" && ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
