// Package session binds one device's command channel to the shared locator,
// the run's world parameter and its checkpoints.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// KeyEscape is the Android key code for ESC.
const KeyEscape = 111

// Checkpoint is a saved resume position.
type Checkpoint struct {
	ID     string     `json:"id"`
	Index  int        `json:"index"` // Step index to resume at
	StepID string     `json:"stepId"`
	Time   time.Time  `json:"time"`
	World  core.World `json:"world"`
}

// Session is the per-device execution context.
type Session struct {
	id  string
	ch  core.Channel
	loc *locator.Locator

	mu          sync.Mutex
	world       core.World
	screen      image.Point // Last captured frame size
	checkpoints map[string]Checkpoint
	latest      string
	rng         *rand.Rand
}

// New creates a session for device id.
func New(id string, ch core.Channel, loc *locator.Locator) *Session {
	return &Session{
		id:          id,
		ch:          ch,
		loc:         loc,
		checkpoints: make(map[string]Checkpoint),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), //#nosec G404 -- tap jitter
	}
}

// ID returns the device id.
func (s *Session) ID() string { return s.id }

// Channel returns the command channel.
func (s *Session) Channel() core.Channel { return s.ch }

// Locator returns the shared locator.
func (s *Session) Locator() *locator.Locator { return s.loc }

// World returns the current world parameter.
func (s *Session) World() core.World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

// SetWorld replaces the world parameter.
func (s *Session) SetWorld(w core.World) {
	s.mu.Lock()
	s.world = w
	s.mu.Unlock()
}

// SaveCheckpoint stores cp, overwriting any entry with the same id.
func (s *Session) SaveCheckpoint(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	s.latest = cp.ID
}

// Checkpoint looks up a checkpoint. An empty id returns the most recent one.
func (s *Session) Checkpoint(id string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = s.latest
	}
	cp, ok := s.checkpoints[id]
	return cp, ok
}

// Checkpoints returns all checkpoints, oldest first.
func (s *Session) Checkpoints() []Checkpoint {
	s.mu.Lock()
	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Close releases the channel.
func (s *Session) Close() error {
	return s.ch.Close()
}

// Capture grabs a frame and remembers its size for coordinate scaling.
func (s *Session) Capture(ctx context.Context) (image.Image, error) {
	img, err := s.ch.Capture(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.screen = img.Bounds().Size()
	s.mu.Unlock()
	return img, nil
}

// Scale returns the device-to-baseline scale, capturing once if no frame
// has been seen yet.
func (s *Session) Scale(ctx context.Context) (float64, error) {
	s.mu.Lock()
	screen := s.screen
	s.mu.Unlock()
	if screen == (image.Point{}) {
		img, err := s.Capture(ctx)
		if err != nil {
			return 0, err
		}
		screen = img.Bounds().Size()
	}
	return s.loc.ScaleFor(screen), nil
}

// ToDevice converts baseline coordinates to device pixels.
func (s *Session) ToDevice(ctx context.Context, p core.Point) (core.Point, error) {
	scale, err := s.Scale(ctx)
	if err != nil {
		return core.Point{}, err
	}
	return core.Point{X: int(math.Round(float64(p.X) * scale)), Y: int(math.Round(float64(p.Y) * scale))}, nil
}

// Tap taps baseline coordinates.
func (s *Session) Tap(ctx context.Context, x, y int) error {
	p, err := s.ToDevice(ctx, core.Point{X: x, Y: y})
	if err != nil {
		return err
	}
	return s.TapDevice(ctx, p.X, p.Y)
}

// TapDevice taps device pixel coordinates.
func (s *Session) TapDevice(ctx context.Context, x, y int) error {
	logger.Debug("[%s] tap (%d,%d)", s.id, x, y)
	return s.ch.Tap(ctx, x, y)
}

// TapNear taps a random point within radius baseline pixels of (x, y).
func (s *Session) TapNear(ctx context.Context, x, y, radius int) error {
	if radius > 0 {
		s.mu.Lock()
		x += s.rng.Intn(2*radius+1) - radius
		y += s.rng.Intn(2*radius+1) - radius
		s.mu.Unlock()
	}
	return s.Tap(ctx, x, y)
}

// Swipe drags between baseline points.
func (s *Session) Swipe(ctx context.Context, from, to core.Point, durationMs int) error {
	a, err := s.ToDevice(ctx, from)
	if err != nil {
		return err
	}
	b, err := s.ToDevice(ctx, to)
	if err != nil {
		return err
	}
	logger.Debug("[%s] swipe (%d,%d) -> (%d,%d) %dms", s.id, a.X, a.Y, b.X, b.Y, durationMs)
	return s.ch.Swipe(ctx, a.X, a.Y, b.X, b.Y, durationMs)
}

// ComplexSwipe swipes through points, splitting totalMs evenly across
// segments with a short pause between them.
func (s *Session) ComplexSwipe(ctx context.Context, points []core.Point, totalMs int) error {
	if len(points) < 2 {
		return core.ErrInvalidInput.WithMessage("complex swipe needs at least 2 points")
	}
	segment := totalMs / (len(points) - 1)
	for i := 0; i < len(points)-1; i++ {
		if err := s.Swipe(ctx, points[i], points[i+1], segment); err != nil {
			return err
		}
		if err := s.Wait(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// PressKey sends a key code.
func (s *Session) PressKey(ctx context.Context, code int) error {
	return s.ch.PressKey(ctx, code)
}

// Shell runs a device shell command.
func (s *Session) Shell(ctx context.Context, cmd string) (string, error) {
	return s.ch.Shell(ctx, cmd)
}

// Wait sleeps for d or until ctx is done.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FindImage captures a frame and looks for name.
func (s *Session) FindImage(ctx context.Context, name string, opts ...locator.FindOption) (locator.Match, bool, error) {
	frame, err := s.Capture(ctx)
	if err != nil {
		return locator.Match{}, false, err
	}
	return s.loc.Find(frame, name, opts...)
}

// WaitForImage polls for name until timeout.
func (s *Session) WaitForImage(ctx context.Context, name string, timeout, poll time.Duration, opts ...locator.FindOption) (core.Point, bool, error) {
	return s.loc.WaitFor(ctx, s, name, timeout, poll, opts...)
}

// TapImage waits for name and taps its center.
func (s *Session) TapImage(ctx context.Context, name string, timeout time.Duration, opts ...locator.FindOption) (bool, error) {
	p, found, err := s.WaitForImage(ctx, name, timeout, 0, opts...)
	if err != nil || !found {
		return false, err
	}
	logger.Info("[%s] %s found at (%d,%d)", s.id, name, p.X, p.Y)
	return true, s.TapDevice(ctx, p.X, p.Y)
}

// ReadText captures a frame and runs OCR over a baseline region.
func (s *Session) ReadText(ctx context.Context, region core.Bounds) ([]locator.TextBox, error) {
	frame, err := s.Capture(ctx)
	if err != nil {
		return nil, err
	}
	var r image.Rectangle
	if region.Width > 0 && region.Height > 0 {
		scale := s.loc.ScaleFor(frame.Bounds().Size())
		r = image.Rect(
			int(float64(region.X)*scale), int(float64(region.Y)*scale),
			int(math.Ceil(float64(region.X+region.Width)*scale)), int(math.Ceil(float64(region.Y+region.Height)*scale)),
		).Add(frame.Bounds().Min)
	}
	return s.loc.ReadText(ctx, frame, r)
}

// IsAppRunning reports whether pidof finds the package.
func (s *Session) IsAppRunning(ctx context.Context, pkg string) (bool, error) {
	out, err := s.ch.Shell(ctx, "pidof "+pkg)
	if err != nil {
		// pidof exits non-zero when nothing matches
		if strings.TrimSpace(out) == "" && !errors.Is(err, core.ErrDeviceUnreachable) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// LaunchApp starts pkg, waits settle and verifies it is running. Without an
// activity the launcher intent is used.
func (s *Session) LaunchApp(ctx context.Context, pkg, activity string, settle time.Duration) (bool, error) {
	cmd := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg)
	if activity != "" {
		cmd = fmt.Sprintf("am start -n %s/%s", pkg, activity)
	}
	logger.Info("[%s] launching %s", s.id, pkg)
	if _, err := s.ch.Shell(ctx, cmd); err != nil {
		return false, err
	}
	if err := s.Wait(ctx, settle); err != nil {
		return false, err
	}
	return s.IsAppRunning(ctx, pkg)
}

// StopApp force-stops pkg and verifies it is gone.
func (s *Session) StopApp(ctx context.Context, pkg string, settle time.Duration) (bool, error) {
	logger.Info("[%s] stopping %s", s.id, pkg)
	if _, err := s.ch.Shell(ctx, "am force-stop "+pkg); err != nil {
		return false, err
	}
	if err := s.Wait(ctx, settle); err != nil {
		return false, err
	}
	running, err := s.IsAppRunning(ctx, pkg)
	return !running, err
}
