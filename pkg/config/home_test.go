package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// withExecutable replaces the binary path seen by home resolution.
func withExecutable(t *testing.T, path string, err error) {
	t.Helper()
	old := executable
	executable = func() (string, error) { return path, err }
	t.Cleanup(func() {
		executable = old
		ResetHome()
	})
	ResetHome()
}

func TestGetHome_Resolution(t *testing.T) {
	tmp := t.TempDir()
	cwd, _ := os.Getwd()

	tests := []struct {
		name   string
		env    string
		exe    string
		exeErr error
		want   string
	}{
		{name: "env wins", env: "/custom/path", exe: filepath.Join(tmp, "bin", "fleet-runner"), want: "/custom/path"},
		{name: "installed binary", exe: filepath.Join(tmp, "bin", "fleet-runner"), want: tmp},
		{name: "binary outside bin", exe: filepath.Join(tmp, "fleet-runner"), want: cwd},
		{name: "executable unknown", exeErr: errors.New("no exe"), want: cwd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvHome, tt.env)
			withExecutable(t, tt.exe, tt.exeErr)
			if got := GetHome(); got != tt.want {
				t.Errorf("GetHome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetHome_Cached(t *testing.T) {
	ResetHome()
	t.Cleanup(ResetHome)
	t.Setenv(EnvHome, "/first")

	first := GetHome()
	t.Setenv(EnvHome, "/second")
	if second := GetHome(); first != second {
		t.Errorf("GetHome() not cached: first=%q, second=%q", first, second)
	}
}

func TestHomeSubdirs(t *testing.T) {
	tests := []struct {
		name       string
		assetsEnv  string
		logsEnv    string
		wantAssets string
		wantLogs   string
	}{
		{name: "defaults", wantAssets: "/test/home/assets", wantLogs: "/test/home/logs"},
		{name: "absolute overrides", assetsEnv: "/data/img", logsEnv: "/var/log/fleet", wantAssets: "/data/img", wantLogs: "/var/log/fleet"},
		{name: "relative overrides", assetsEnv: "farm/img", logsEnv: "out", wantAssets: "/test/home/farm/img", wantLogs: "/test/home/out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHome()
			t.Cleanup(ResetHome)
			t.Setenv(EnvHome, "/test/home")
			t.Setenv(EnvAssets, tt.assetsEnv)
			t.Setenv(EnvLogs, tt.logsEnv)

			if got := GetAssetsDir(); got != filepath.FromSlash(tt.wantAssets) {
				t.Errorf("GetAssetsDir() = %q, want %q", got, tt.wantAssets)
			}
			if got := GetLogsDir(); got != filepath.FromSlash(tt.wantLogs) {
				t.Errorf("GetLogsDir() = %q, want %q", got, tt.wantLogs)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"/ws", "", ""},
		{"/ws", "/abs/x", "/abs/x"},
		{"/ws", "assets", "/ws/assets"},
		{"/ws", "../shared/img", "/shared/img"},
	}
	for _, tt := range tests {
		if got := ResolvePath(tt.base, tt.path); got != filepath.FromSlash(tt.want) {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestLoad_ResolvesPathsAgainstFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "assets: img\nlog:\n  file: logs/run.log\ndevice:\n  adbPath: tools/adb\nocr:\n  tesseractPath: tesseract\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assets != filepath.Join(dir, "img") {
		t.Errorf("Assets = %q", cfg.Assets)
	}
	if cfg.Log.File != filepath.Join(dir, "logs", "run.log") {
		t.Errorf("Log.File = %q", cfg.Log.File)
	}
	if cfg.Device.ADBPath != filepath.Join(dir, "tools", "adb") {
		t.Errorf("Device.ADBPath = %q", cfg.Device.ADBPath)
	}
	if cfg.OCR.TesseractPath != "tesseract" {
		t.Errorf("OCR.TesseractPath = %q, want bare name kept for PATH lookup", cfg.OCR.TesseractPath)
	}
}
