package emulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// NewLifecycle builds the lifecycle named by cfg.Emulator.Kind.
func NewLifecycle(cfg *config.Config) (core.Lifecycle, error) {
	switch cfg.Emulator.Kind {
	case "", "adb":
		return NewADB(cfg.Device.ADBPath), nil
	case "ldplayer":
		return NewLDPlayer(cfg.Emulator.LDPlayerPath, cfg.Device.ADBPath, config.Ms(cfg.Emulator.BootTimeoutMs))
	default:
		return nil, core.ErrInvalidConfig.WithMessage("unknown emulator kind: " + cfg.Emulator.Kind)
	}
}

// NewManager creates a manager over lifecycle.
func NewManager(lifecycle core.Lifecycle) *Manager {
	return &Manager{lifecycle: lifecycle}
}

// List implements core.Lifecycle.
func (m *Manager) List(ctx context.Context) ([]core.DeviceInfo, error) {
	return m.lifecycle.List(ctx)
}

// IsResponsive implements core.Lifecycle.
func (m *Manager) IsResponsive(ctx context.Context, id string) bool {
	return m.lifecycle.IsResponsive(ctx, id)
}

// Start starts a device unless it is already responsive, and tracks it
// when this call brought it up.
func (m *Manager) Start(ctx context.Context, id string) error {
	if m.lifecycle.IsResponsive(ctx, id) {
		logger.Debug("Device %s already running, not tracking", id)
		return nil
	}

	inst := &Started{ID: id, BootStart: time.Now(), StartedBy: "fleet-runner"}
	if err := m.lifecycle.Start(ctx, id); err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	inst.BootTime = time.Since(inst.BootStart)
	m.started.Store(id, inst)

	logger.Info("Device started and tracked: %s (boot %v)", id, inst.BootTime.Round(time.Millisecond))
	if inst.BootTime > 60*time.Second {
		logger.Warn("Slow emulator boot detected for %s (%v)", id, inst.BootTime)
	}
	return nil
}

// Stop stops a device if we started it.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if _, exists := m.started.Load(id); !exists {
		logger.Debug("Device %s not started by us, skipping shutdown", id)
		return nil
	}

	logger.Info("Shutting down device: %s", id)
	if err := m.lifecycle.Stop(ctx, id); err != nil {
		logger.Error("Failed to shut down %s: %v", id, err)
		return fmt.Errorf("stop %s: %w", id, err)
	}
	m.started.Delete(id)
	return nil
}

// ShutdownAll stops all devices started by us, in parallel.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	ids := m.StartedDevices()
	if len(ids) == 0 {
		return nil
	}
	logger.Info("Shutting down %d tracked devices", len(ids))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

// IsStartedByUs checks if we started this device.
func (m *Manager) IsStartedByUs(id string) bool {
	_, exists := m.started.Load(id)
	return exists
}

// StartedDevices returns the ids of all devices we started.
func (m *Manager) StartedDevices() []string {
	var ids []string
	m.started.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}
