// Package config handles configuration for fleet-runner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
)

// Config represents the workspace configuration (config.yaml).
// All durations are in milliseconds.
type Config struct {
	Assets         string           `yaml:"assets"`         // Reference image directory
	BaseResolution Resolution       `yaml:"baseResolution"` // Resolution the reference images were captured at
	Log            LogConfig        `yaml:"log"`
	Locator        LocatorConfig    `yaml:"locator"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
	Device         DeviceConfig     `yaml:"device"`
	Emulator       EmulatorConfig   `yaml:"emulator"`
	OCR            OCRConfig        `yaml:"ocr"`
}

// Resolution is a screen size in pixels.
type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"maxSize"` // MB
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"` // days
	Compress   bool   `yaml:"compress"`
}

// LocatorConfig configures template matching.
type LocatorConfig struct {
	DefaultThreshold float64            `yaml:"defaultThreshold"`
	Thresholds       map[string]float64 `yaml:"thresholds"`    // Per reference name
	Transforms       []string           `yaml:"transforms"`    // identity, enhance, edges, hsv
	ScaleVariants    []float64          `yaml:"scaleVariants"` // Multipliers applied to the detected scale
	PollIntervalMs   int                `yaml:"pollIntervalMs"`
	Resolutions      []Resolution       `yaml:"resolutions"` // Known device resolutions
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Workers        int `yaml:"workers"` // 0 = number of known devices, minimum 1
	QueueSize      int `yaml:"queueSize"`
	ReachTimeoutMs int `yaml:"reachTimeoutMs"`
	StopTimeoutMs  int `yaml:"stopTimeoutMs"`
	RetryDelayMs   int `yaml:"retryDelayMs"`
}

// DeviceConfig configures the ADB command channel.
type DeviceConfig struct {
	ADBPath           string  `yaml:"adbPath"`
	CommandRetries    int     `yaml:"commandRetries"`
	CommandsPerSecond float64 `yaml:"commandsPerSecond"`
	CommandTimeoutMs  int     `yaml:"commandTimeoutMs"`
}

// EmulatorConfig configures the device lifecycle manager.
type EmulatorConfig struct {
	Kind          string `yaml:"kind"` // ldplayer or adb
	LDPlayerPath  string `yaml:"ldplayerPath"`
	BootTimeoutMs int    `yaml:"bootTimeoutMs"`
}

// OCRConfig configures text recognition.
type OCRConfig struct {
	TesseractPath string `yaml:"tesseractPath"`
	Lang          string `yaml:"lang"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Assets:         GetAssetsDir(),
		BaseResolution: Resolution{Width: 1280, Height: 720},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     14,
		},
		Locator: LocatorConfig{
			DefaultThreshold: 0.8,
			Thresholds:       map[string]float64{},
			Transforms:       []string{"identity", "enhance", "edges", "hsv"},
			ScaleVariants:    []float64{1.0, 0.9, 1.1},
			PollIntervalMs:   500,
			Resolutions: []Resolution{
				{Width: 1280, Height: 720},
				{Width: 1920, Height: 1080},
				{Width: 960, Height: 540},
				{Width: 1600, Height: 900},
				{Width: 2560, Height: 1440},
			},
		},
		Dispatcher: DispatcherConfig{
			QueueSize:      256,
			ReachTimeoutMs: 10000,
			StopTimeoutMs:  3000,
			RetryDelayMs:   1000,
		},
		Device: DeviceConfig{
			CommandRetries:    2,
			CommandsPerSecond: 20,
			CommandTimeoutMs:  15000,
		},
		Emulator: EmulatorConfig{
			Kind:          "adb",
			BootTimeoutMs: 120000,
		},
		OCR: OCRConfig{
			Lang: "rus+eng",
		},
	}
}

// Load loads configuration from a file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// Paths in the file are relative to the file
	dir := filepath.Dir(path)
	cfg.Assets = ResolvePath(dir, cfg.Assets)
	cfg.Log.File = ResolvePath(dir, cfg.Log.File)
	cfg.OCR.TesseractPath = resolveBinary(dir, cfg.OCR.TesseractPath)
	cfg.Device.ADBPath = resolveBinary(dir, cfg.Device.ADBPath)

	return cfg, nil
}

// resolveBinary anchors a binary path at dir only when it names a path;
// a bare command name is left for a PATH lookup.
func resolveBinary(dir, bin string) string {
	if !strings.ContainsRune(bin, filepath.Separator) && !strings.ContainsRune(bin, '/') {
		return bin
	}
	return ResolvePath(dir, bin)
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	return Default(), nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, v ...interface{}) error {
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf(format, v...))
	}

	if c.BaseResolution.Width <= 0 || c.BaseResolution.Height <= 0 {
		return invalid("baseResolution must be positive, got %dx%d", c.BaseResolution.Width, c.BaseResolution.Height)
	}
	if c.Locator.DefaultThreshold <= 0 || c.Locator.DefaultThreshold > 1 {
		return invalid("locator.defaultThreshold must be in (0,1], got %v", c.Locator.DefaultThreshold)
	}
	for name, th := range c.Locator.Thresholds {
		if th <= 0 || th > 1 {
			return invalid("locator.thresholds[%s] must be in (0,1], got %v", name, th)
		}
	}
	if len(c.Locator.Resolutions) == 0 {
		return invalid("locator.resolutions must not be empty")
	}
	for _, s := range c.Locator.ScaleVariants {
		if s <= 0 {
			return invalid("locator.scaleVariants must be positive, got %v", s)
		}
	}
	if c.Dispatcher.Workers < 0 {
		return invalid("dispatcher.workers must not be negative, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueSize <= 0 {
		return invalid("dispatcher.queueSize must be positive, got %d", c.Dispatcher.QueueSize)
	}
	if c.Device.CommandRetries < 0 {
		return invalid("device.commandRetries must not be negative, got %d", c.Device.CommandRetries)
	}
	switch c.Emulator.Kind {
	case "", "adb", "ldplayer":
	default:
		return invalid("emulator.kind must be adb or ldplayer, got %q", c.Emulator.Kind)
	}
	return nil
}

// Ms converts a millisecond config value to a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
