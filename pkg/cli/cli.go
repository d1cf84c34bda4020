// Package cli provides the command-line interface for fleet-runner.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml (default: <home>/config.yaml)",
		EnvVars: []string{"FLEET_RUNNER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "assets",
		Usage:   "Reference image directory",
		EnvVars: []string{"FLEET_RUNNER_ASSETS"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"FLEET_RUNNER_VERBOSE"},
	},
	&cli.StringFlag{
		Name:  "log-file",
		Usage: "Write JSON logs to a rotated file",
	},
	&cli.StringFlag{
		Name:    "adb",
		Usage:   "Path to the adb binary",
		EnvVars: []string{"ADB_PATH"},
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "fleet-runner",
		Usage:   "Run image-driven scripts on a fleet of Android devices",
		Version: Version,
		Description: `fleet-runner executes YAML scripts on many Android devices or
emulators at once. Steps locate reference images on the screen and tap,
swipe or type through the app, with retries and resumable checkpoints.

Examples:
  fleet-runner run farm.yaml --all
  fleet-runner run farm.yaml --device emulator-5554,emulator-5556 --servers 577-600
  fleet-runner locate --frame screen.png --image start
  fleet-runner validate scripts/`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			runCommand,
			devicesCommand,
			locateCommand,
			validateCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by --config, or the one in the
// home directory, and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(config.GetHome())
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if v := c.String("assets"); v != "" {
		cfg.Assets = v
	}
	if v := c.String("adb"); v != "" {
		cfg.Device.ADBPath = v
	}
	if c.Bool("verbose") {
		cfg.Log.Level = "debug"
	}
	if v := c.String("log-file"); v != "" {
		cfg.Log.File = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the configuration and initializes the logger. With
// persistLog, a missing log file defaults to <home>/logs/fleet-runner.log.
// Callers must defer logger.Close.
func setup(c *cli.Context, persistLog bool) (*config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if persistLog && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(config.GetLogsDir(), "fleet-runner.log")
	}
	err = logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
