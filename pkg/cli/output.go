package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/dispatcher"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold
const slowThreshold = 5 * time.Second

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", mins, secs)
}

// printEvent renders one dispatcher event as a progress line.
func printEvent(w io.Writer, e dispatcher.Event) {
	switch ev := e.(type) {
	case dispatcher.RunStarted:
		world := ""
		if !ev.World.IsZero() {
			world = fmt.Sprintf(" servers %d-%d", ev.World.ServerStart, ev.World.ServerEnd)
		}
		fmt.Fprintf(w, "%s[%s]%s started%s\n", color(colorCyan), ev.DeviceID, color(colorReset), world)

	case dispatcher.StepCompleted:
		durColor := colorGray
		if ev.Duration >= slowThreshold {
			durColor = colorYellow
		}
		retries := ""
		if ev.Attempts > 1 {
			retries = fmt.Sprintf(", %d attempts", ev.Attempts)
		}
		if ev.Success {
			fmt.Fprintf(w, "%s[%s]%s %s✓%s %s %s(%s%s)%s\n",
				color(colorCyan), ev.DeviceID, color(colorReset),
				color(colorGreen), color(colorReset), ev.StepID,
				color(durColor), formatDuration(ev.Duration), retries, color(colorReset))
			return
		}
		fmt.Fprintf(w, "%s[%s]%s %s✗%s %s %s(%s%s)%s\n",
			color(colorCyan), ev.DeviceID, color(colorReset),
			color(colorRed), color(colorReset), ev.StepID,
			color(durColor), formatDuration(ev.Duration), retries, color(colorReset))
		if ev.Err != nil {
			fmt.Fprintf(w, "      %s%v%s\n", color(colorRed), ev.Err, color(colorReset))
		}

	case dispatcher.RunCompleted:
		statusColor := colorRed
		switch ev.Status {
		case core.TaskSucceeded:
			statusColor = colorGreen
		case core.TaskCancelled:
			statusColor = colorYellow
		}
		fmt.Fprintf(w, "%s[%s]%s %s%s%s in %s",
			color(colorCyan), ev.DeviceID, color(colorReset),
			color(statusColor), ev.Status, color(colorReset), formatDuration(ev.Duration))
		if ev.Err != nil {
			fmt.Fprintf(w, ": %v", ev.Err)
		}
		fmt.Fprintln(w)
	}
}
