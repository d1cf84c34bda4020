package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/device"
	"github.com/devicelab-dev/fleet-runner/pkg/device/mock"
	"github.com/devicelab-dev/fleet-runner/pkg/dispatcher"
	"github.com/devicelab-dev/fleet-runner/pkg/emulator"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/script"
	"github.com/devicelab-dev/fleet-runner/pkg/stats"
	"github.com/devicelab-dev/fleet-runner/pkg/validator"
)

// Parallel device initializations
const initConcurrency = 8

// Time allowed for in-flight runs and sessions to close on exit
const closeTimeout = 30 * time.Second

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a script on one or more devices",
	ArgsUsage: "<script.yaml>",
	Description: `Run a script on every selected device in parallel. Devices are
taken from --device, or from the running emulators with --all.

Examples:
  fleet-runner run farm.yaml --all
  fleet-runner run farm.yaml --device emulator-5554 --servers S1
  fleet-runner run farm.yaml --device emulator-5554 --resume s3_1712345678
  fleet-runner run farm.yaml --mock --device a,b,c --stats-json stats.json`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Usage:   "Device ids to run on (comma-separated)",
			EnvVars: []string{"FLEET_RUNNER_DEVICE"},
		},
		&cli.BoolFlag{
			Name:  "all",
			Usage: "Run on every running device the emulator manager reports",
		},
		&cli.StringFlag{
			Name:  "servers",
			Usage: "Server range (577-600) or season name (S1) to work on",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Concurrent runs (default: config, then device count)",
		},
		&cli.StringFlag{
			Name:  "resume",
			Usage: "Resume every run from this checkpoint id",
		},
		&cli.BoolFlag{
			Name:  "mock",
			Usage: "Use in-memory devices instead of adb",
		},
		&cli.StringFlag{
			Name:  "stats-json",
			Usage: "Write run statistics to this file",
		},
	},
	Action: runScripts,
}

func runScripts(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one script file, got %d arguments", c.NArg())
	}
	cfg, err := setup(c, true)
	if err != nil {
		return err
	}
	defer logger.Close()

	sc, err := script.ParseFile(c.Args().First())
	if err != nil {
		return err
	}
	if result := validator.New(cfg.Assets).ValidateScript(sc); !result.IsValid() {
		for _, e := range result.Errors {
			fmt.Fprintf(c.App.ErrWriter, "  %s✗%s %v\n", color(colorRed), color(colorReset), e)
		}
		return fmt.Errorf("%s has %d problem(s)", sc.SourcePath, len(result.Errors))
	}

	world, err := parseServers(c.String("servers"))
	if err != nil {
		return err
	}

	var (
		mgr     *emulator.Manager
		connect dispatcher.Connector
	)
	if c.Bool("mock") {
		connect = mockConnector(cfg)
	} else {
		lc, err := emulator.NewLifecycle(cfg)
		if err != nil {
			return err
		}
		mgr = emulator.NewManager(lc)
		connect = adbConnector(cfg, mgr)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	ids, err := selectDevices(ctx, c, mgr)
	if err != nil {
		return err
	}

	locCfg, err := locator.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	loc := locator.New(locCfg, locator.WithRecognizer(locator.NewTesseract(cfg.OCR.TesseractPath, cfg.OCR.Lang)))

	dcfg := dispatcher.ConfigFrom(cfg.Dispatcher)
	if n := c.Int("workers"); n > 0 {
		dcfg.Workers = n
	}
	var opts []dispatcher.Option
	if mgr != nil {
		opts = append(opts, dispatcher.WithLifecycle(mgr))
	}
	d := dispatcher.New(ctx, dcfg, loc, connect, opts...)

	collector := stats.New(0)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range d.Events() {
			collector.Observe(e)
			printEvent(c.App.Writer, e)
		}
	}()

	// Cancel runs on the first signal, exit on the second
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal %v, cancelling runs...", sig)
			d.CancelAll()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			logger.Warn("Second signal, exiting")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(c.App.Writer, "Running %s on %d device(s) with %d worker(s)\n", scriptName(sc), len(ids), d.Workers())

	ready := initDevices(ctx, d, ids)
	tally := runTally{total: len(ids), failed: len(ids) - len(ready)}

	var submitOpts []dispatcher.SubmitOption
	if cp := c.String("resume"); cp != "" {
		submitOpts = append(submitOpts, dispatcher.WithResume(cp))
	}
	var taskIDs []string
	for _, id := range ready {
		taskID, err := d.SubmitRun(id, sc, world, submitOpts...)
		if err != nil {
			fmt.Fprintf(c.App.ErrWriter, "  %s✗%s %s: %v\n", color(colorRed), color(colorReset), id, err)
			tally.failed++
			continue
		}
		taskIDs = append(taskIDs, taskID)
	}

	for _, taskID := range taskIDs {
		tally.record(d.AwaitRun(ctx, taskID))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := d.Close(closeCtx); err != nil {
		logger.Error("Dispatcher shutdown: %v", err)
	}
	<-printed
	if mgr != nil {
		if err := mgr.ShutdownAll(closeCtx); err != nil {
			logger.Error("Failed to stop emulators: %v", err)
		}
	}

	snap := collector.Snapshot()
	fmt.Fprintln(c.App.Writer, snap.String())
	if path := c.String("stats-json"); path != "" {
		if err := collector.WriteJSON(path); err != nil {
			return err
		}
	}
	return tally.err()
}

// runTally counts the devices whose run did not succeed.
type runTally struct {
	total     int
	failed    int
	cancelled int
}

func (t *runTally) record(outcome core.Outcome, err error) {
	switch {
	case err != nil || outcome.State == core.StateFailed:
		t.failed++
	case outcome.State == core.StateCancelled:
		t.cancelled++
	}
}

// err reports failed and cancelled runs; only all-successful runs are nil.
func (t runTally) err() error {
	switch {
	case t.failed > 0 && t.cancelled > 0:
		return fmt.Errorf("%d of %d device(s) failed, %d cancelled", t.failed, t.total, t.cancelled)
	case t.failed > 0:
		return fmt.Errorf("%d of %d device(s) failed", t.failed, t.total)
	case t.cancelled > 0:
		return fmt.Errorf("%d of %d device(s) cancelled", t.cancelled, t.total)
	}
	return nil
}

// initDevices connects the devices in parallel and returns the ids that
// are ready, in input order. Failures are reported and skipped.
func initDevices(ctx context.Context, d *dispatcher.Dispatcher, ids []string) []string {
	ok := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(initConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := d.InitializeDevice(ctx, id, true); err != nil {
				logger.Error("Device %s not initialized: %v", id, err)
				return err
			}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Some devices failed to initialize: %v", err)
	}

	var ready []string
	for i, id := range ids {
		if ok[i] {
			ready = append(ready, id)
		}
	}
	return ready
}

func mockConnector(cfg *config.Config) dispatcher.Connector {
	return func(ctx context.Context, id string) (core.Channel, error) {
		return mock.New(mock.Config{
			DeviceID: id,
			Width:    cfg.BaseResolution.Width,
			Height:   cfg.BaseResolution.Height,
		}), nil
	}
}

// adbConnector boots the device through the manager when it is not
// running yet, then opens an adb channel to it.
func adbConnector(cfg *config.Config, mgr *emulator.Manager) dispatcher.Connector {
	var mu sync.Mutex // ldconsole does not tolerate concurrent launches
	return func(ctx context.Context, id string) (core.Channel, error) {
		mu.Lock()
		err := mgr.Start(ctx, id)
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		dev, err := device.New(device.Options{
			Serial:            id,
			ADBPath:           cfg.Device.ADBPath,
			Retries:           cfg.Device.CommandRetries,
			CommandsPerSecond: cfg.Device.CommandsPerSecond,
			CommandTimeout:    config.Ms(cfg.Device.CommandTimeoutMs),
		})
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

func selectDevices(ctx context.Context, c *cli.Context, mgr *emulator.Manager) ([]string, error) {
	ids := parseDevices(c.String("device"))
	if c.Bool("all") {
		if mgr == nil {
			return nil, fmt.Errorf("--all needs a device manager, use --device with --mock")
		}
		devices, err := mgr.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, dev := range devices {
			if dev.Running {
				ids = appendUnique(ids, dev.ID)
			}
		}
	}
	if len(ids) == 0 && c.Bool("mock") {
		ids = []string{"mock-1"}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no devices selected, use --device or --all")
	}
	return ids, nil
}

// parseDevices splits a comma-separated device list, dropping blanks and
// duplicates.
func parseDevices(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = appendUnique(ids, id)
		}
	}
	return ids
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// parseServers accepts "start-end" or a season name. Empty yields the zero
// world, which leaves the script's own world in effect.
func parseServers(s string) (core.World, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.World{}, nil
	}
	if season, ok := script.SeasonNamed(strings.ToUpper(s)); ok {
		return core.World{ServerStart: season.First, ServerEnd: season.Last}, nil
	}

	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return core.World{}, fmt.Errorf("invalid server range %q, want start-end or a season name", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return core.World{}, fmt.Errorf("invalid server range %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return core.World{}, fmt.Errorf("invalid server range %q: %w", s, err)
	}
	if start < 1 || end < start {
		return core.World{}, fmt.Errorf("invalid server range %q: start must be positive and not after end", s)
	}
	return core.World{ServerStart: start, ServerEnd: end}, nil
}

func scriptName(sc *script.Script) string {
	if sc.Config.Name != "" {
		return sc.Config.Name
	}
	return sc.SourcePath
}
