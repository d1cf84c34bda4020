package cli

import (
	"fmt"
	"image"
	_ "image/jpeg" // Frame decoders
	_ "image/png"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/vision"
)

// Matches printed by locate --all
const maxLocateResults = 20

var locateCommand = &cli.Command{
	Name:  "locate",
	Usage: "Look for a reference image in a saved screenshot",
	Description: `Run the locator offline against a screenshot and print where the
reference matched. When nothing matches, the best score of every scale
and transform variant is printed instead.

Examples:
  fleet-runner locate --frame screen.png --image start
  fleet-runner locate --frame screen.png --image coin --all --threshold 0.8`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "frame",
			Usage:    "Screenshot to search (png or jpeg)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "image",
			Usage:    "Reference name, resolved as <assets>/<name>.png",
			Required: true,
		},
		&cli.Float64Flag{
			Name:  "threshold",
			Usage: "Override the match threshold (0-1]",
		},
		&cli.BoolFlag{
			Name:  "all",
			Usage: "Report every non-overlapping match",
		},
	},
	Action: locate,
}

func locate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	frame, err := decodeImage(c.String("frame"))
	if err != nil {
		return err
	}
	locCfg, err := locator.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	loc := locator.New(locCfg)

	name := c.String("image")
	var opts []locator.FindOption
	if th := c.Float64("threshold"); th > 0 {
		opts = append(opts, locator.WithThreshold(th))
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Frame: %s\n", vision.Summarize(frame))

	var matches []locator.Match
	if c.Bool("all") {
		matches, err = loc.FindAll(frame, name, maxLocateResults, opts...)
	} else {
		var m locator.Match
		var found bool
		m, found, err = loc.Find(frame, name, opts...)
		if found {
			matches = []locator.Match{m}
		}
	}
	if err != nil {
		return err
	}
	if ref, err := loc.Reference(name); err == nil {
		fmt.Fprintf(w, "Reference %s: %s\n", name, ref.Summary)
	}

	if len(matches) > 0 {
		for _, m := range matches {
			center := m.Center()
			fmt.Fprintf(w, "  %s✓%s %s at (%d,%d) %dx%d score %.3f scale %.2f %s\n",
				color(colorGreen), color(colorReset), name, center.X, center.Y,
				m.Width, m.Height, m.Score, m.Scale, m.Transform)
		}
		return nil
	}

	fmt.Fprintf(w, "  %s✗%s %s not found (threshold %.2f)\n", color(colorRed), color(colorReset), name, threshold(loc, name, c))
	probes, err := loc.Probe(frame, name)
	if err != nil {
		return err
	}
	for _, p := range probes {
		fmt.Fprintf(w, "    %sbest %.3f at (%d,%d) scale %.2f %s%s\n",
			color(colorGray), p.Score, p.X, p.Y, p.Scale, p.Transform, color(colorReset))
	}
	return fmt.Errorf("%s not found", name)
}

func threshold(loc *locator.Locator, name string, c *cli.Context) float64 {
	if th := c.Float64("threshold"); th > 0 {
		return th
	}
	return loc.Threshold(name)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path) //#nosec G304 -- user-provided screenshot
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
