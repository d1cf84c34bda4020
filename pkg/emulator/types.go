// Package emulator enumerates and controls the virtual devices a run targets.
package emulator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
)

// Instance is one row of `ldconsole list2`.
type Instance struct {
	Index      int
	Name       string
	TopHandle  int64 // Top-level window handle, 0 when stopped
	BindHandle int64 // Render window handle
	Started    bool  // Android booted
	PID        int
}

// Serial returns the adb serial LDPlayer assigns to the instance.
func (i Instance) Serial() string {
	return SerialForIndex(i.Index)
}

// Info converts the instance to a core.DeviceInfo.
func (i Instance) Info() core.DeviceInfo {
	return core.DeviceInfo{ID: i.Serial(), Name: i.Name, Index: i.Index, Running: i.Started}
}

// Started tracks a device this process brought up.
type Started struct {
	ID        string
	BootStart time.Time
	BootTime  time.Duration
	StartedBy string // "fleet-runner" or "external"
}

// Manager wraps a core.Lifecycle and remembers which devices it started,
// so ShutdownAll leaves externally started devices alone.
type Manager struct {
	lifecycle core.Lifecycle
	started   sync.Map // id -> *Started
}

// runner executes an external command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- binaries resolved from config
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
