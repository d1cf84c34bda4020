package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ConnectedDevice is one row of `adb devices -l`.
type ConnectedDevice struct {
	Serial string
	State  string // device, offline, unauthorized
	Model  string
}

// ListDevices returns the devices adb currently sees.
func ListDevices(ctx context.Context, adbPath string) ([]ConnectedDevice, error) {
	path, err := findADB(adbPath)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, "devices", "-l") //#nosec G204 -- adb path resolved by findADB
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("adb devices: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseDevices(stdout.String()), nil
}

func parseDevices(out string) []ConnectedDevice {
	var devices []ConnectedDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		d := ConnectedDevice{Serial: parts[0], State: parts[1]}
		for _, p := range parts[2:] {
			if strings.HasPrefix(p, "model:") {
				d.Model = strings.TrimPrefix(p, "model:")
			}
		}
		devices = append(devices, d)
	}
	return devices
}
