package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/device/mock"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
)

func testLocator() *locator.Locator {
	return locator.New(locator.Config{
		BaseResolution:   image.Pt(1280, 720),
		Resolutions:      []image.Point{{1280, 720}, {1920, 1080}},
		DefaultThreshold: 0.9,
		ScaleVariants:    []float64{1.0},
		PollInterval:     10 * time.Millisecond,
	})
}

// checker renders a high-contrast block pattern for template tests.
func checker(w, h, cell int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x/cell*37 + y/cell*91) % 256)
			img.Set(x, y, color.RGBA{R: v, G: 255 - v, B: uint8(x * 7), A: 255})
		}
	}
	return img
}

func TestTap_ScalesBaselineCoordinates(t *testing.T) {
	ch := mock.New(mock.Config{Width: 1920, Height: 1080})
	s := New("dev1", ch, testLocator())
	ctx := context.Background()

	if err := s.Tap(ctx, 100, 200); err != nil {
		t.Fatalf("Tap failed: %v", err)
	}
	if err := s.Tap(ctx, 10, 10); err != nil {
		t.Fatal(err)
	}

	taps := ch.CommandsOf("tap")
	if len(taps) != 2 {
		t.Fatalf("taps = %v", taps)
	}
	if taps[0].Args[0] != 150 || taps[0].Args[1] != 300 {
		t.Errorf("first tap = %v, want [150 300]", taps[0].Args)
	}
	if taps[1].Args[0] != 15 || taps[1].Args[1] != 15 {
		t.Errorf("second tap = %v, want [15 15]", taps[1].Args)
	}
	if ch.Captures() != 1 {
		t.Errorf("captures = %d, want 1 (screen size is cached)", ch.Captures())
	}
}

func TestTapNear_StaysWithinRadius(t *testing.T) {
	ch := mock.New(mock.Config{})
	s := New("dev1", ch, testLocator())
	for i := 0; i < 50; i++ {
		if err := s.TapNear(context.Background(), 640, 360, 50); err != nil {
			t.Fatal(err)
		}
	}
	for _, tap := range ch.CommandsOf("tap") {
		dx, dy := tap.Args[0]-640, tap.Args[1]-360
		if dx < -50 || dx > 50 || dy < -50 || dy > 50 {
			t.Errorf("tap %v outside radius", tap.Args)
		}
	}
}

func TestComplexSwipe_SplitsDuration(t *testing.T) {
	ch := mock.New(mock.Config{})
	s := New("dev1", ch, testLocator())
	points := []core.Point{{X: 100, Y: 100}, {X: 200, Y: 100}, {X: 200, Y: 300}}

	start := time.Now()
	if err := s.ComplexSwipe(context.Background(), points, 800); err != nil {
		t.Fatalf("ComplexSwipe failed: %v", err)
	}
	swipes := ch.CommandsOf("swipe")
	if len(swipes) != 2 {
		t.Fatalf("swipes = %v", swipes)
	}
	want := [][]int{{100, 100, 200, 100, 400}, {200, 100, 200, 300, 400}}
	for i, sw := range swipes {
		for j := range want[i] {
			if sw.Args[j] != want[i][j] {
				t.Errorf("swipe %d = %v, want %v", i, sw.Args, want[i])
				break
			}
		}
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("expected a pause after each segment")
	}

	if err := s.ComplexSwipe(context.Background(), points[:1], 800); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("single point error = %v, want ErrInvalidInput", err)
	}
}

func TestCheckpoints(t *testing.T) {
	s := New("dev1", mock.New(mock.Config{}), testLocator())
	now := time.Now()

	if _, ok := s.Checkpoint(""); ok {
		t.Error("expected no checkpoint on a fresh session")
	}

	s.SaveCheckpoint(Checkpoint{ID: "a", Index: 2, StepID: "s2", Time: now})
	s.SaveCheckpoint(Checkpoint{ID: "b", Index: 5, StepID: "s5", Time: now.Add(time.Second)})
	if cp, _ := s.Checkpoint(""); cp.ID != "b" {
		t.Errorf("latest = %s, want b", cp.ID)
	}

	s.SaveCheckpoint(Checkpoint{ID: "a", Index: 3, StepID: "s3", Time: now.Add(2 * time.Second)})
	cp, ok := s.Checkpoint("a")
	if !ok || cp.Index != 3 {
		t.Errorf("overwritten checkpoint = %+v, want index 3", cp)
	}
	all := s.Checkpoints()
	if len(all) != 2 || all[0].ID != "b" || all[1].ID != "a" {
		t.Errorf("Checkpoints() = %+v, want [b a]", all)
	}
}

func TestTapImage(t *testing.T) {
	loc := testLocator()
	ref := checker(40, 30, 5)
	loc.Register("start", ref)

	frame := mock.Blank(1280, 720)
	draw.Draw(frame, image.Rect(300, 204, 340, 234), ref, image.Point{}, draw.Src)
	ch := mock.New(mock.Config{Frames: func(int) (image.Image, error) { return frame, nil }})
	s := New("dev1", ch, loc)

	found, err := s.TapImage(context.Background(), "start", 100*time.Millisecond)
	if err != nil || !found {
		t.Fatalf("TapImage = %v, %v", found, err)
	}
	taps := ch.CommandsOf("tap")
	if len(taps) != 1 || taps[0].Args[0] != 320 || taps[0].Args[1] != 219 {
		t.Errorf("taps = %v, want one at (320,219)", taps)
	}
}

func TestTapImage_NotFound(t *testing.T) {
	loc := testLocator()
	loc.Register("start", checker(40, 30, 5))
	ch := mock.New(mock.Config{})
	s := New("dev1", ch, loc)

	found, err := s.TapImage(context.Background(), "start", 30*time.Millisecond)
	if err != nil || found {
		t.Errorf("TapImage = %v, %v, want false, nil", found, err)
	}
	if len(ch.CommandsOf("tap")) != 0 {
		t.Error("no tap expected")
	}
}

func TestLaunchAndStopApp(t *testing.T) {
	running := false
	ch := mock.New(mock.Config{ShellOutput: func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "am start"), strings.HasPrefix(cmd, "monkey"):
			running = true
		case strings.HasPrefix(cmd, "am force-stop"):
			running = false
		case strings.HasPrefix(cmd, "pidof"):
			if running {
				return "4242\n", nil
			}
			return "", core.ErrCommandFailed
		}
		return "", nil
	}})
	s := New("dev1", ch, testLocator())
	ctx := context.Background()

	ok, err := s.LaunchApp(ctx, "com.example.game", "com.example.Main", 0)
	if err != nil || !ok {
		t.Fatalf("LaunchApp = %v, %v", ok, err)
	}
	ok, err = s.StopApp(ctx, "com.example.game", 0)
	if err != nil || !ok {
		t.Fatalf("StopApp = %v, %v", ok, err)
	}
	ok, err = s.LaunchApp(ctx, "com.example.game", "", 0)
	if err != nil || !ok {
		t.Fatalf("LaunchApp without activity = %v, %v", ok, err)
	}

	var shells []string
	for _, c := range ch.CommandsOf("shell") {
		shells = append(shells, c.Text)
	}
	want := []string{
		"am start -n com.example.game/com.example.Main",
		"pidof com.example.game",
		"am force-stop com.example.game",
		"pidof com.example.game",
		"monkey -p com.example.game -c android.intent.category.LAUNCHER 1",
		"pidof com.example.game",
	}
	if strings.Join(shells, "|") != strings.Join(want, "|") {
		t.Errorf("shell commands = %q, want %q", shells, want)
	}
}

func TestIsAppRunning_Unreachable(t *testing.T) {
	ch := mock.New(mock.Config{ShellOutput: func(string) (string, error) {
		return "", core.ErrDeviceUnreachable
	}})
	s := New("dev1", ch, testLocator())
	if _, err := s.IsAppRunning(context.Background(), "x"); !errors.Is(err, core.ErrDeviceUnreachable) {
		t.Errorf("error = %v, want ErrDeviceUnreachable", err)
	}
}

func TestWait_Cancelled(t *testing.T) {
	s := New("dev1", mock.New(mock.Config{}), testLocator())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}
