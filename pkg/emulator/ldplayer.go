package emulator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

const (
	baseConsolePort = 5554 // Console port of instance 0
	launchPoll      = 2 * time.Second
	quitPoll        = time.Second
)

// DefaultLDPlayerPaths are searched when no install directory is configured.
var DefaultLDPlayerPaths = []string{
	"C:/Program Files/LDPlayer/LDPlayer9",
	"C:/LDPlayer/LDPlayer9",
	"D:/LDPlayer/LDPlayer9",
}

// SerialForIndex returns the adb serial of the LDPlayer instance at index.
func SerialForIndex(index int) string {
	return fmt.Sprintf("emulator-%d", baseConsolePort+2*index)
}

// IndexForSerial is the inverse of SerialForIndex.
func IndexForSerial(serial string) (int, bool) {
	var port int
	if _, err := fmt.Sscanf(serial, "emulator-%d", &port); err != nil {
		return 0, false
	}
	if port < baseConsolePort || (port-baseConsolePort)%2 != 0 {
		return 0, false
	}
	return (port - baseConsolePort) / 2, true
}

// LDPlayer is a core.Lifecycle driving ldconsole.
type LDPlayer struct {
	console     string
	adb         string
	bootTimeout time.Duration
	run         runner
	poll        time.Duration
	stopPoll    time.Duration
}

var _ core.Lifecycle = (*LDPlayer)(nil)

// NewLDPlayer locates ldconsole under dir, or under DefaultLDPlayerPaths
// when dir is empty.
func NewLDPlayer(dir, adbPath string, bootTimeout time.Duration) (*LDPlayer, error) {
	console, err := findConsole(dir)
	if err != nil {
		return nil, err
	}
	if adbPath == "" {
		adbPath = "adb"
	}
	return &LDPlayer{console: console, adb: adbPath, bootTimeout: bootTimeout, run: execRunner, poll: launchPoll, stopPoll: quitPoll}, nil
}

func findConsole(dir string) (string, error) {
	name := "ldconsole"
	if runtime.GOOS == "windows" {
		name = "ldconsole.exe"
	}
	dirs := DefaultLDPlayerPaths
	if dir != "" {
		dirs = []string{dir}
	}
	for _, d := range dirs {
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", core.ErrInvalidConfig.WithMessage(fmt.Sprintf("%s not found in %s", name, strings.Join(dirs, ", ")))
}

// Instances returns the raw list2 rows.
func (l *LDPlayer) Instances(ctx context.Context) ([]Instance, error) {
	out, err := l.run(ctx, l.console, "list2")
	if err != nil {
		return nil, fmt.Errorf("ldconsole list2: %w", err)
	}
	return parseList2(out), nil
}

// List implements core.Lifecycle.
func (l *LDPlayer) List(ctx context.Context) ([]core.DeviceInfo, error) {
	instances, err := l.Instances(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]core.DeviceInfo, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, inst.Info())
	}
	logger.Debug("Found %d LDPlayer instances", len(infos))
	return infos, nil
}

// Start launches the instance and waits until adb sees it.
func (l *LDPlayer) Start(ctx context.Context, id string) error {
	index, ok := IndexForSerial(id)
	if !ok {
		return core.ErrInvalidInput.WithMessage("not an LDPlayer serial: " + id)
	}
	if inst, found, err := l.instance(ctx, index); err != nil {
		return err
	} else if found && inst.Started {
		logger.Info("Emulator %d already running", index)
		return nil
	}

	logger.Info("Launching emulator %d (%s)", index, id)
	if _, err := l.run(ctx, l.console, "launch", "--index", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("launch emulator %d: %w", index, err)
	}

	deadline := time.Now().Add(l.bootTimeout)
	for {
		inst, found, err := l.instance(ctx, index)
		if err == nil && found && inst.Started && l.IsResponsive(ctx, id) {
			logger.Info("Emulator %d booted", index)
			return nil
		}
		if !time.Now().Before(deadline) {
			return core.ErrTimeout.WithMessage(fmt.Sprintf("emulator %d did not boot within %v", index, l.bootTimeout))
		}
		if err := sleep(ctx, l.poll); err != nil {
			return err
		}
	}
}

// Stop quits the instance and waits until list2 reports it stopped.
func (l *LDPlayer) Stop(ctx context.Context, id string) error {
	index, ok := IndexForSerial(id)
	if !ok {
		return core.ErrInvalidInput.WithMessage("not an LDPlayer serial: " + id)
	}
	inst, found, err := l.instance(ctx, index)
	if err != nil {
		return err
	}
	if !found {
		return core.ErrInvalidInput.WithMessage(fmt.Sprintf("emulator %d not found", index))
	}
	if !inst.Started && inst.TopHandle == 0 {
		return nil
	}

	logger.Info("Stopping emulator %d", index)
	if _, err := l.run(ctx, l.console, "quit", "--index", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("quit emulator %d: %w", index, err)
	}

	for attempt := 0; attempt < 15; attempt++ {
		inst, found, err := l.instance(ctx, index)
		if err == nil && (!found || !inst.Started) {
			return nil
		}
		if err := sleep(ctx, l.stopPoll); err != nil {
			return err
		}
	}
	return core.ErrTimeout.WithMessage(fmt.Sprintf("emulator %d did not stop", index))
}

// IsResponsive asks adb for the device state.
func (l *LDPlayer) IsResponsive(ctx context.Context, id string) bool {
	return adbState(ctx, l.run, l.adb, id) == "device"
}

func (l *LDPlayer) instance(ctx context.Context, index int) (Instance, bool, error) {
	instances, err := l.Instances(ctx)
	if err != nil {
		return Instance{}, false, err
	}
	for _, inst := range instances {
		if inst.Index == index {
			return inst, true, nil
		}
	}
	return Instance{}, false, nil
}

// parseList2 parses `ldconsole list2` output:
// index,title,top-handle,bind-handle,android-started,pid,vbox-pid
func parseList2(out string) []Instance {
	var instances []Instance
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		inst := Instance{Index: index, Name: parts[1]}
		inst.TopHandle, _ = strconv.ParseInt(parts[2], 10, 64)
		if len(parts) > 3 {
			inst.BindHandle, _ = strconv.ParseInt(parts[3], 10, 64)
		}
		if len(parts) > 4 {
			inst.Started = parts[4] == "1"
		} else {
			inst.Started = inst.TopHandle != 0
		}
		if len(parts) > 5 {
			inst.PID, _ = strconv.Atoi(parts[5])
		}
		instances = append(instances, inst)
	}
	return instances
}

func adbState(ctx context.Context, run runner, adb, serial string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := run(ctx, adb, "-s", serial, "get-state")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
