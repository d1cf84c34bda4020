// Package device provides the ADB command channel to Android devices.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// Options configures an AndroidDevice.
type Options struct {
	Serial            string
	ADBPath           string        // Empty searches PATH and ANDROID_HOME
	Retries           int           // Extra attempts for unreachable errors
	CommandsPerSecond float64       // Zero disables throttling
	CommandTimeout    time.Duration // Per adb invocation
}

// AndroidDevice is a core.Channel backed by the adb binary.
type AndroidDevice struct {
	serial  string
	adbPath string
	retries int
	timeout time.Duration
	limiter *rate.Limiter
}

// New creates an AndroidDevice. It does not contact the device.
func New(opts Options) (*AndroidDevice, error) {
	if opts.Serial == "" {
		return nil, core.ErrInvalidInput.WithMessage("device serial is required")
	}
	adbPath, err := findADB(opts.ADBPath)
	if err != nil {
		return nil, err
	}

	d := &AndroidDevice{
		serial:  opts.Serial,
		adbPath: adbPath,
		retries: opts.Retries,
		timeout: opts.CommandTimeout,
	}
	if d.retries < 0 {
		d.retries = 0
	}
	if opts.CommandsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.CommandsPerSecond), 1)
	}
	return d, nil
}

// Serial returns the device serial number.
func (d *AndroidDevice) Serial() string {
	return d.serial
}

// Capture grabs a PNG screenshot over exec-out.
func (d *AndroidDevice) Capture(ctx context.Context) (image.Image, error) {
	out, err := d.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, core.ErrCommandFailed.WithMessage("decode screenshot").WithCause(err)
	}
	return img, nil
}

// Tap taps at device pixel coordinates.
func (d *AndroidDevice) Tap(ctx context.Context, x, y int) error {
	_, err := d.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe drags between two points.
func (d *AndroidDevice) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	_, err := d.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	return err
}

// PressKey sends a key event.
func (d *AndroidDevice) PressKey(ctx context.Context, code int) error {
	_, err := d.run(ctx, "shell", "input", "keyevent", strconv.Itoa(code))
	return err
}

// Shell executes a shell command on the device.
func (d *AndroidDevice) Shell(ctx context.Context, cmd string) (string, error) {
	out, err := d.run(ctx, "shell", cmd)
	return string(out), err
}

// IsReachable polls get-state until the device reports "device".
func (d *AndroidDevice) IsReachable(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.isConnected(ctx) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close implements core.Channel. adb holds no per-channel state.
func (d *AndroidDevice) Close() error {
	return nil
}

func (d *AndroidDevice) isConnected(ctx context.Context) bool {
	out, err := d.exec(ctx, "get-state")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "device"
}

// run executes an adb command with throttling and retries on transport failures.
func (d *AndroidDevice) run(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		out, err := d.exec(ctx, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, core.ErrDeviceUnreachable) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < d.retries {
			logger.Debug("adb %s on %s unreachable, retrying (%d/%d)", args[0], d.serial, attempt+1, d.retries)
		}
	}
	return nil, lastErr
}

// exec runs one adb invocation against this serial.
func (d *AndroidDevice) exec(ctx context.Context, args ...string) ([]byte, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmdArgs := make([]string, 0, len(args)+2)
	cmdArgs = append(cmdArgs, "-s", d.serial)
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, d.adbPath, cmdArgs...) //#nosec G204 -- adb path resolved at construction
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.ErrDeviceUnreachable.
				WithMessage(fmt.Sprintf("adb %s timed out", strings.Join(args, " "))).
				WithCause(ctx.Err())
		}
		return nil, classify(args, errMsg, err)
	}
	return stdout.Bytes(), nil
}

// transportFailures are adb stderr fragments meaning the device link is down.
var transportFailures = []string{
	"device offline",
	"device not found",
	"no devices",
	"no emulators",
	"device unauthorized",
	"closed",
	"protocol fault",
	"connection reset",
	"cannot connect",
	"failed to connect",
	"daemon not running",
}

// classify maps an adb failure to ErrDeviceUnreachable or ErrCommandFailed.
func classify(args []string, stderr string, cause error) *core.ExecutionError {
	msg := fmt.Sprintf("adb %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr))
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "error: device '") && strings.Contains(lower, "' not found") {
		return core.ErrDeviceUnreachable.WithMessage(msg).WithCause(cause)
	}
	for _, frag := range transportFailures {
		if strings.Contains(lower, frag) {
			return core.ErrDeviceUnreachable.WithMessage(msg).WithCause(cause)
		}
	}
	return core.ErrCommandFailed.WithMessage(msg).WithCause(cause)
}

// findADB locates the ADB binary.
func findADB(explicit string) (string, error) {
	if explicit != "" {
		if path, err := exec.LookPath(explicit); err == nil {
			return path, nil
		}
		return "", core.ErrInvalidConfig.WithMessage("adb not found at " + explicit)
	}
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if root := os.Getenv(env); root != "" {
			candidate := filepath.Join(root, "platform-tools", "adb")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", core.ErrInvalidConfig.WithMessage("adb not found in PATH; ensure Android SDK is installed")
}
