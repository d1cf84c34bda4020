// Package mock provides a scriptable core.Channel for testing without a real device.
package mock

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
)

// Config configures mock channel behavior.
type Config struct {
	DeviceID string

	// Width and Height size the blank frame used when Frames is nil.
	// Defaults to 1280x720.
	Width  int
	Height int

	// Frames supplies the n-th capture (1-indexed).
	Frames func(n int) (image.Image, error)

	// Fail is consulted before every command. A non-nil return fails it.
	Fail func(cmd Command) error

	// ShellOutput answers Shell commands. Defaults to empty output.
	ShellOutput func(cmd string) (string, error)

	// CommandDelay adds artificial latency to every command.
	CommandDelay time.Duration

	// Unreachable makes IsReachable report false.
	Unreachable bool

	// Tracker, when set, is shared between channels to observe overlap.
	Tracker *Tracker
}

// Command is one recorded channel call.
type Command struct {
	Kind  string // capture, tap, swipe, key, shell
	Args  []int
	Text  string
	Start time.Time
	End   time.Time
}

func (c Command) String() string {
	if c.Text != "" {
		return fmt.Sprintf("%s %q", c.Kind, c.Text)
	}
	return fmt.Sprintf("%s %v", c.Kind, c.Args)
}

// Tracker counts commands in flight across channels.
type Tracker struct {
	current int32
	max     int32
}

func (t *Tracker) enter() {
	n := atomic.AddInt32(&t.current, 1)
	for {
		m := atomic.LoadInt32(&t.max)
		if n <= m || atomic.CompareAndSwapInt32(&t.max, m, n) {
			return
		}
	}
}

func (t *Tracker) exit() {
	atomic.AddInt32(&t.current, -1)
}

// MaxInFlight returns the highest number of concurrent commands observed.
func (t *Tracker) MaxInFlight() int {
	return int(atomic.LoadInt32(&t.max))
}

// Channel is a mock implementation of core.Channel.
type Channel struct {
	cfg Config

	mu          sync.Mutex
	commands    []Command
	captures    int
	closed      int
	unreachable bool
}

var _ core.Channel = (*Channel)(nil)

// New creates a new mock channel.
func New(cfg Config) *Channel {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	return &Channel{cfg: cfg, unreachable: cfg.Unreachable}
}

// DeviceID returns the configured id.
func (c *Channel) DeviceID() string {
	return c.cfg.DeviceID
}

// Capture returns the next frame.
func (c *Channel) Capture(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	c.captures++
	n := c.captures
	c.mu.Unlock()

	var img image.Image
	err := c.do(ctx, Command{Kind: "capture"}, func() error {
		if c.cfg.Frames != nil {
			var err error
			img, err = c.cfg.Frames(n)
			return err
		}
		img = Blank(c.cfg.Width, c.cfg.Height)
		return nil
	})
	return img, err
}

// Tap records a tap.
func (c *Channel) Tap(ctx context.Context, x, y int) error {
	return c.do(ctx, Command{Kind: "tap", Args: []int{x, y}}, nil)
}

// Swipe records a swipe.
func (c *Channel) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return c.do(ctx, Command{Kind: "swipe", Args: []int{x1, y1, x2, y2, durationMs}}, nil)
}

// PressKey records a key press.
func (c *Channel) PressKey(ctx context.Context, code int) error {
	return c.do(ctx, Command{Kind: "key", Args: []int{code}}, nil)
}

// Shell records a shell command and answers it with ShellOutput.
func (c *Channel) Shell(ctx context.Context, cmd string) (string, error) {
	var out string
	err := c.do(ctx, Command{Kind: "shell", Text: cmd}, func() error {
		if c.cfg.ShellOutput == nil {
			return nil
		}
		var err error
		out, err = c.cfg.ShellOutput(cmd)
		return err
	})
	return out, err
}

// IsReachable reports the configured reachability.
func (c *Channel) IsReachable(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unreachable && ctx.Err() == nil
}

// SetReachable changes reachability at runtime.
func (c *Channel) SetReachable(ok bool) {
	c.mu.Lock()
	c.unreachable = !ok
	c.mu.Unlock()
}

// Close counts close calls.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// Commands returns a copy of the recorded commands.
func (c *Channel) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.commands))
	copy(out, c.commands)
	return out
}

// CommandsOf returns the recorded commands of one kind.
func (c *Channel) CommandsOf(kind string) []Command {
	var out []Command
	for _, cmd := range c.Commands() {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

// Captures returns the number of Capture calls.
func (c *Channel) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Closed returns the number of Close calls.
func (c *Channel) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) do(ctx context.Context, cmd Command, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t := c.cfg.Tracker; t != nil {
		t.enter()
		defer t.exit()
	}
	cmd.Start = time.Now()

	var err error
	if c.cfg.CommandDelay > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(c.cfg.CommandDelay):
		}
	}
	if err == nil && c.cfg.Fail != nil {
		err = c.cfg.Fail(cmd)
	}
	if err == nil && fn != nil {
		err = fn()
	}

	cmd.End = time.Now()
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	return err
}

// Blank returns a uniform dark frame.
func Blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 16, G: 16, B: 16, A: 255}}, image.Point{}, draw.Src)
	return img
}
