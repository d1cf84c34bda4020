// Package core provides the shared device, error and status types for fleet-runner.
package core

import (
	"context"
	"image"
	"time"
)

// Channel is the command channel to one device.
// Implementations: ADB (pkg/device), mock (pkg/device/mock).
// Transient transport failures are reported as ErrDeviceUnreachable,
// everything else as ErrCommandFailed.
type Channel interface {
	// Capture grabs the current screen.
	Capture(ctx context.Context) (image.Image, error)

	// Tap taps at device pixel coordinates.
	Tap(ctx context.Context, x, y int) error

	// Swipe drags from (x1,y1) to (x2,y2) over durationMs milliseconds.
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error

	// PressKey sends an Android key code (e.g. 111 for ESC).
	PressKey(ctx context.Context, code int) error

	// IsReachable polls the device until it answers or timeout elapses.
	IsReachable(ctx context.Context, timeout time.Duration) bool

	// Shell runs a shell command on the device and returns its output.
	Shell(ctx context.Context, cmd string) (string, error)

	// Close releases channel resources.
	Close() error
}

// Lifecycle enumerates and controls virtual device instances.
type Lifecycle interface {
	List(ctx context.Context) ([]DeviceInfo, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	IsResponsive(ctx context.Context, id string) bool
}

// DeviceInfo describes one device known to a Lifecycle.
type DeviceInfo struct {
	ID      string `json:"id"`   // Channel identifier (adb serial)
	Name    string `json:"name"` // Human-readable instance name
	Index   int    `json:"index"`
	Running bool   `json:"running"`
}

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Bounds represents a rectangular screen region
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// Rect converts the bounds to an image.Rectangle.
func (b Bounds) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// World is the run-specific parameter steps read to pick dynamic behavior.
// For the game script it is the target server range.
type World struct {
	ServerStart int `json:"serverStart" yaml:"serverStart"`
	ServerEnd   int `json:"serverEnd" yaml:"serverEnd"`
}

// IsZero reports whether no world parameter is set.
func (w World) IsZero() bool {
	return w.ServerStart == 0 && w.ServerEnd == 0
}

// Contains reports whether server lies in the range.
func (w World) Contains(server int) bool {
	return server >= w.ServerStart && server <= w.ServerEnd
}
