package emulator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// ADB is a core.Lifecycle over whatever `adb devices` reports. It can
// connect network devices and kill stock emulators but cannot boot anything.
type ADB struct {
	adb  string
	run  runner
	poll time.Duration
}

var _ core.Lifecycle = (*ADB)(nil)

// NewADB creates the plain adb lifecycle.
func NewADB(adbPath string) *ADB {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADB{adb: adbPath, run: execRunner, poll: time.Second}
}

// List implements core.Lifecycle.
func (a *ADB) List(ctx context.Context) ([]core.DeviceInfo, error) {
	out, err := a.run(ctx, a.adb, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	var infos []core.DeviceInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		info := core.DeviceInfo{ID: parts[0], Name: parts[0], Index: len(infos), Running: parts[1] == "device"}
		if idx, ok := IndexForSerial(parts[0]); ok {
			info.Index = idx
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Start connects host:port devices. Other ids must already be attached.
func (a *ADB) Start(ctx context.Context, id string) error {
	if strings.Contains(id, ":") {
		out, err := a.run(ctx, a.adb, "connect", id)
		if err != nil {
			return core.ErrDeviceUnreachable.WithMessage("adb connect " + id).WithCause(err)
		}
		if strings.Contains(out, "failed") || strings.Contains(out, "cannot") {
			return core.ErrDeviceUnreachable.WithMessage(strings.TrimSpace(out))
		}
		logger.Info("Connected %s", id)
	}
	if !a.IsResponsive(ctx, id) {
		return core.ErrDeviceUnreachable.WithMessage(fmt.Sprintf("device %s is not attached", id))
	}
	return nil
}

// Stop disconnects network devices and kills emulators.
func (a *ADB) Stop(ctx context.Context, id string) error {
	if strings.Contains(id, ":") {
		_, err := a.run(ctx, a.adb, "disconnect", id)
		return err
	}
	if !strings.HasPrefix(id, "emulator-") {
		logger.Debug("Device %s is physical, nothing to stop", id)
		return nil
	}

	if _, err := a.run(ctx, a.adb, "-s", id, "emu", "kill"); err != nil {
		logger.Warn("adb emu kill failed for %s: %v", id, err)
	}
	for attempt := 0; attempt < 30; attempt++ {
		if adbState(ctx, a.run, a.adb, id) == "" {
			logger.Info("Emulator shutdown confirmed: %s", id)
			return nil
		}
		if err := sleep(ctx, a.poll); err != nil {
			return err
		}
	}
	return core.ErrTimeout.WithMessage("emulator " + id + " did not shut down")
}

// IsResponsive implements core.Lifecycle.
func (a *ADB) IsResponsive(ctx context.Context, id string) bool {
	return adbState(ctx, a.run, a.adb, id) == "device"
}
