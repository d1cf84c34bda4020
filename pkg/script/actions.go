package script

import (
	"context"
	"strings"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
)

// Action kinds as written in script files
const (
	KindTap                = "tap"
	KindTapImage           = "tapImage"
	KindSwipe              = "swipe"
	KindComplexSwipe       = "complexSwipe"
	KindWaitForImage       = "waitForImage"
	KindWait               = "wait"
	KindPressKey           = "pressKey"
	KindShell              = "shell"
	KindStopApp            = "stopApp"
	KindLaunchApp          = "launchApp"
	KindTapUntilImage      = "tapUntilImage"
	KindPreferImage        = "preferImage"
	KindPressKeyUntilImage = "pressKeyUntilImage"
	KindSelectSeason       = "selectSeason"
	KindSelectServer       = "selectServer"
	KindRunScript          = "runScript"
)

// Tap taps baseline coordinates.
type Tap struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

func (a *Tap) Kind() string { return KindTap }

func (a *Tap) Run(ctx context.Context, env *Env) (bool, error) {
	return true, env.Session.Tap(ctx, a.X, a.Y)
}

// TapImage waits for a reference image and taps its center.
type TapImage struct {
	Image     string  `yaml:"image"`
	TimeoutMs int     `yaml:"timeoutMs"` // 0 uses the attempt deadline
	Threshold float64 `yaml:"threshold"`
}

func (a *TapImage) Kind() string { return KindTapImage }

func (a *TapImage) Run(ctx context.Context, env *Env) (bool, error) {
	return env.Session.TapImage(ctx, a.Image, budget(ctx, a.TimeoutMs), thresholdOpts(a.Threshold)...)
}

// Swipe drags between two baseline points.
type Swipe struct {
	From       core.Point `yaml:"from"`
	To         core.Point `yaml:"to"`
	DurationMs int        `yaml:"durationMs"`
}

func (a *Swipe) Kind() string { return KindSwipe }

func (a *Swipe) Run(ctx context.Context, env *Env) (bool, error) {
	return true, env.Session.Swipe(ctx, a.From, a.To, a.DurationMs)
}

// ComplexSwipe swipes through a path of baseline points.
type ComplexSwipe struct {
	Points     []core.Point `yaml:"points"`
	DurationMs int          `yaml:"durationMs"` // Total over all segments
}

func (a *ComplexSwipe) Kind() string { return KindComplexSwipe }

func (a *ComplexSwipe) Run(ctx context.Context, env *Env) (bool, error) {
	return true, env.Session.ComplexSwipe(ctx, a.Points, a.DurationMs)
}

// WaitForImage completes once the image is visible.
type WaitForImage struct {
	Image     string  `yaml:"image"`
	TimeoutMs int     `yaml:"timeoutMs"`
	Threshold float64 `yaml:"threshold"`
}

func (a *WaitForImage) Kind() string { return KindWaitForImage }

func (a *WaitForImage) Run(ctx context.Context, env *Env) (bool, error) {
	_, found, err := env.Session.WaitForImage(ctx, a.Image, budget(ctx, a.TimeoutMs), 0, thresholdOpts(a.Threshold)...)
	return found, err
}

// Wait sleeps.
type Wait struct {
	Ms int `yaml:"ms"`
}

func (a *Wait) Kind() string { return KindWait }

func (a *Wait) Run(ctx context.Context, env *Env) (bool, error) {
	return true, env.Session.Wait(ctx, time.Duration(a.Ms)*time.Millisecond)
}

// PressKey sends an Android key code.
type PressKey struct {
	Code int `yaml:"code"`
}

func (a *PressKey) Kind() string { return KindPressKey }

func (a *PressKey) Run(ctx context.Context, env *Env) (bool, error) {
	return true, env.Session.PressKey(ctx, a.Code)
}

// Shell runs a device shell command. With Expect set, the step completes
// only when the output contains it.
type Shell struct {
	Command string `yaml:"command"`
	Expect  string `yaml:"expect"`
}

func (a *Shell) Kind() string { return KindShell }

func (a *Shell) Run(ctx context.Context, env *Env) (bool, error) {
	out, err := env.Session.Shell(ctx, a.Command)
	if err != nil {
		return false, err
	}
	return a.Expect == "" || strings.Contains(out, a.Expect), nil
}

// StopApp force-stops the app and verifies it is gone. The package defaults
// to the script's app.
type StopApp struct {
	Package  string `yaml:"package"`
	SettleMs int    `yaml:"settleMs"`
}

func (a *StopApp) Kind() string { return KindStopApp }

func (a *StopApp) Run(ctx context.Context, env *Env) (bool, error) {
	pkg, _, err := appOf(env, a.Package, "")
	if err != nil {
		return false, err
	}
	return env.Session.StopApp(ctx, pkg, time.Duration(a.SettleMs)*time.Millisecond)
}

// LaunchApp starts the app and verifies it runs. Package and activity
// default to the script's app.
type LaunchApp struct {
	Package  string `yaml:"package"`
	Activity string `yaml:"activity"`
	SettleMs int    `yaml:"settleMs"`
}

func (a *LaunchApp) Kind() string { return KindLaunchApp }

func (a *LaunchApp) Run(ctx context.Context, env *Env) (bool, error) {
	pkg, activity, err := appOf(env, a.Package, a.Activity)
	if err != nil {
		return false, err
	}
	return env.Session.LaunchApp(ctx, pkg, activity, time.Duration(a.SettleMs)*time.Millisecond)
}

func appOf(env *Env, pkg, activity string) (string, string, error) {
	if pkg == "" && env.Script != nil {
		pkg = env.Script.Config.App.Package
		if activity == "" {
			activity = env.Script.Config.App.Activity
		}
	}
	if pkg == "" {
		return "", "", core.ErrInvalidInput.WithMessage("no app package configured")
	}
	return pkg, activity, nil
}

// budget converts an explicit millisecond timeout, falling back to the
// time left before the attempt deadline.
func budget(ctx context.Context, ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return DefaultTimeout
}

func thresholdOpts(th float64) []locator.FindOption {
	if th <= 0 {
		return nil
	}
	return []locator.FindOption{locator.WithThreshold(th)}
}
