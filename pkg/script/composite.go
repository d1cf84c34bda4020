package script

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/jsengine"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// Fixed gestures on the server selection screen, in baseline pixels.
var (
	seasonScrollFrom = core.Point{X: 257, Y: 353}
	seasonScrollTo   = core.Point{X: 254, Y: 187}
	serverScrollFrom = core.Point{X: 778, Y: 567}
	serverScrollTo   = core.Point{X: 778, Y: 130}
)

const scrollSettle = time.Second

// TapUntilImage taps near a point until an image shows up.
type TapUntilImage struct {
	X         int     `yaml:"x"`
	Y         int     `yaml:"y"`
	Radius    int     `yaml:"radius"`
	Image     string  `yaml:"image"`
	Attempts  int     `yaml:"attempts"`
	TimeoutMs int     `yaml:"timeoutMs"` // Wait after each tap
	Threshold float64 `yaml:"threshold"`
}

func (a *TapUntilImage) Kind() string { return KindTapUntilImage }

func (a *TapUntilImage) Run(ctx context.Context, env *Env) (bool, error) {
	for i := 0; i < max(1, a.Attempts); i++ {
		if err := env.Session.TapNear(ctx, a.X, a.Y, a.Radius); err != nil {
			return false, err
		}
		_, found, err := env.Session.WaitForImage(ctx, a.Image, time.Duration(a.TimeoutMs)*time.Millisecond, 0, thresholdOpts(a.Threshold)...)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// PreferImage taps Prefer as soon as it is visible. Until then it taps
// Fallback whenever that is visible instead.
type PreferImage struct {
	Prefer     string  `yaml:"prefer"`
	Fallback   string  `yaml:"fallback"`
	Attempts   int     `yaml:"attempts"`
	IntervalMs int     `yaml:"intervalMs"`
	Threshold  float64 `yaml:"threshold"`
}

func (a *PreferImage) Kind() string { return KindPreferImage }

func (a *PreferImage) Run(ctx context.Context, env *Env) (bool, error) {
	s := env.Session
	opts := thresholdOpts(a.Threshold)
	for i := 0; i < max(1, a.Attempts); i++ {
		frame, err := s.Capture(ctx)
		if err != nil {
			return false, err
		}
		if m, ok, err := s.Locator().Find(frame, a.Prefer, opts...); err != nil {
			return false, err
		} else if ok {
			c := m.Center()
			return true, s.TapDevice(ctx, c.X, c.Y)
		}
		if a.Fallback != "" {
			if m, ok, err := s.Locator().Find(frame, a.Fallback, opts...); err != nil {
				return false, err
			} else if ok {
				logger.Debug("[%s] %s not visible, tapping %s", s.ID(), a.Prefer, a.Fallback)
				c := m.Center()
				if err := s.TapDevice(ctx, c.X, c.Y); err != nil {
					return false, err
				}
			}
		}
		if err := s.Wait(ctx, time.Duration(a.IntervalMs)*time.Millisecond); err != nil {
			return false, err
		}
	}
	return false, nil
}

// PressKeyUntilImage presses a key, ESC by default, until an image shows up.
type PressKeyUntilImage struct {
	Image      string  `yaml:"image"`
	Key        int     `yaml:"key"`
	IntervalMs int     `yaml:"intervalMs"`
	Attempts   int     `yaml:"attempts"`
	Threshold  float64 `yaml:"threshold"`
}

func (a *PressKeyUntilImage) Kind() string { return KindPressKeyUntilImage }

func (a *PressKeyUntilImage) Run(ctx context.Context, env *Env) (bool, error) {
	s := env.Session
	opts := thresholdOpts(a.Threshold)
	for i := 0; i < max(1, a.Attempts); i++ {
		if _, found, err := s.FindImage(ctx, a.Image, opts...); err != nil || found {
			return found, err
		}
		if err := s.PressKey(ctx, a.Key); err != nil {
			return false, err
		}
		if err := s.Wait(ctx, time.Duration(a.IntervalMs)*time.Millisecond); err != nil {
			return false, err
		}
	}
	_, found, err := s.FindImage(ctx, a.Image, opts...)
	return found, err
}

// SelectSeason opens the season tab for the run's server range, or the
// named season.
type SelectSeason struct {
	Season string `yaml:"season"`
}

func (a *SelectSeason) Kind() string { return KindSelectSeason }

func (a *SelectSeason) Run(ctx context.Context, env *Env) (bool, error) {
	var overrides map[string]core.Point
	if env.Script != nil {
		overrides = env.Script.Config.Seasons
	}
	season, err := resolveSeason(a.Season, env.Session.World(), overrides)
	if err != nil {
		return false, err
	}
	logger.Info("[%s] selecting season %s", env.Session.ID(), season.Name)
	if season.Scroll {
		if err := env.Session.Swipe(ctx, seasonScrollFrom, seasonScrollTo, 500); err != nil {
			return false, err
		}
		if err := env.Session.Wait(ctx, scrollSettle); err != nil {
			return false, err
		}
	}
	return true, env.Session.Tap(ctx, season.Tap.X, season.Tap.Y)
}

// SelectServer reads server numbers off the list and taps the run's first
// server, scrolling between reads.
type SelectServer struct {
	Region     core.Bounds `yaml:"region"` // Baseline OCR region; empty is the full screen
	MaxScrolls int         `yaml:"maxScrolls"`
}

func (a *SelectServer) Kind() string { return KindSelectServer }

func (a *SelectServer) Run(ctx context.Context, env *Env) (bool, error) {
	s := env.Session
	target := s.World().ServerStart
	if target <= 0 {
		return false, core.ErrInvalidInput.WithMessage("no server range set")
	}
	for i := 0; i <= a.MaxScrolls; i++ {
		boxes, err := s.ReadText(ctx, a.Region)
		if err != nil {
			return false, err
		}
		if box, ok := findServer(boxes, target); ok {
			c := box.Bounds.Center()
			logger.Info("[%s] server %d found at (%d,%d)", s.ID(), target, c.X, c.Y)
			return true, s.TapDevice(ctx, c.X, c.Y)
		}
		if i == a.MaxScrolls {
			break
		}
		if err := s.Swipe(ctx, serverScrollFrom, serverScrollTo, 500); err != nil {
			return false, err
		}
		if err := s.Wait(ctx, scrollSettle); err != nil {
			return false, err
		}
	}
	return false, nil
}

func findServer(boxes []locator.TextBox, target int) (locator.TextBox, bool) {
	for _, b := range boxes {
		if n, ok := serverNumber(b.Text); ok && n == target {
			return b, true
		}
	}
	return locator.TextBox{}, false
}

// serverNumber extracts the first run of digits, so "S577" and "577." read
// as 577.
func serverNumber(text string) (int, bool) {
	start := strings.IndexFunc(text, isDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(text) && isDigit(rune(text[end])) {
		end++
	}
	n, err := strconv.Atoi(text[start:end])
	return n, err == nil
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// RunScript runs JavaScript against the session. The step completes unless
// the script evaluates to false.
type RunScript struct {
	Script string `yaml:"script"`
	File   string `yaml:"file"` // Relative to the script file
	dir    string
}

func (a *RunScript) Kind() string { return KindRunScript }

// Path resolves File against the directory of the defining script. It is
// empty for inline sources.
func (a *RunScript) Path() string {
	if a.File == "" || filepath.IsAbs(a.File) {
		return a.File
	}
	return filepath.Join(a.dir, a.File)
}

func (a *RunScript) Run(ctx context.Context, env *Env) (bool, error) {
	src := a.Script
	if src == "" {
		path := a.Path()
		data, err := os.ReadFile(path) //#nosec G304 -- script path from the step definition
		if err != nil {
			return false, core.ErrInvalidInput.WithCause(err).WithMessage("read script " + path)
		}
		src = string(data)
	}

	result, err := jsengine.New(jsDevice{env.Session}).Run(ctx, src)
	if err != nil {
		return false, err
	}
	if done, ok := result.(bool); ok {
		return done, nil
	}
	return true, nil
}

// jsDevice adapts a session to jsengine.Device.
type jsDevice struct {
	*session.Session
}

func (d jsDevice) TapImage(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	return d.Session.TapImage(ctx, name, timeout)
}

func (d jsDevice) WaitForImage(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	_, found, err := d.Session.WaitForImage(ctx, name, timeout, 0)
	return found, err
}

func scriptDir(sourcePath string) string {
	if sourcePath == "" {
		return "."
	}
	return filepath.Dir(sourcePath)
}
