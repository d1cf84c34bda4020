package config

import (
	"os"
	"path/filepath"
	"sync"
)

// Environment overrides for the workspace layout.
const (
	EnvHome   = "FLEET_RUNNER_HOME"
	EnvAssets = "FLEET_RUNNER_ASSETS"
	EnvLogs   = "FLEET_RUNNER_LOGS"
)

var (
	homeOnce sync.Once
	homeDir  string

	executable = os.Executable
)

// GetHome returns the workspace home directory, resolved once from the
// first of: $FLEET_RUNNER_HOME, the parent of a bin/ directory holding the
// binary, the working directory.
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

func resolveHome() string {
	for _, candidate := range []func() string{homeFromEnv, homeFromBinary, homeFromCwd} {
		if dir := candidate(); dir != "" {
			return dir
		}
	}
	return "."
}

func homeFromEnv() string {
	return os.Getenv(EnvHome)
}

// homeFromBinary recognizes an installed layout, <home>/bin/fleet-runner.
func homeFromBinary() string {
	path, err := executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if bin := filepath.Dir(path); filepath.Base(bin) == "bin" {
		return filepath.Dir(bin)
	}
	return ""
}

func homeFromCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}

// GetAssetsDir returns the default reference image directory:
// $FLEET_RUNNER_ASSETS, else <home>/assets.
func GetAssetsDir() string {
	return homeSubdir(EnvAssets, "assets")
}

// GetLogsDir returns the default log directory: $FLEET_RUNNER_LOGS, else
// <home>/logs.
func GetLogsDir() string {
	return homeSubdir(EnvLogs, "logs")
}

// homeSubdir honors an environment override, anchoring a relative value
// at the home directory.
func homeSubdir(env, name string) string {
	if v := os.Getenv(env); v != "" {
		return ResolvePath(GetHome(), v)
	}
	return filepath.Join(GetHome(), name)
}

// ResolvePath anchors a relative path at base. Empty and absolute paths
// are returned unchanged.
func ResolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// ResetHome clears the cached home directory.
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
