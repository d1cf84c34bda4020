package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/fleet-runner/pkg/emulator"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List the devices the configured emulator manager knows about",
	Description: `List emulator instances (LDPlayer) or adb devices, depending on
emulator.kind in config.yaml.

Examples:
  fleet-runner devices
  fleet-runner --config farm/config.yaml devices`,
	Action: listDevices,
}

func listDevices(c *cli.Context) error {
	cfg, err := setup(c, false)
	if err != nil {
		return err
	}
	defer logger.Close()

	lc, err := emulator.NewLifecycle(cfg)
	if err != nil {
		return err
	}
	devices, err := lc.List(c.Context)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(c.App.Writer, "No devices found")
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINDEX\tSTATE")
	for _, d := range devices {
		state := color(colorGray) + "stopped" + color(colorReset)
		if d.Running {
			state = color(colorGreen) + "running" + color(colorReset)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.ID, d.Name, d.Index, state)
	}
	return w.Flush()
}
