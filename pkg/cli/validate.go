package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/fleet-runner/pkg/validator"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "Check script files without running them",
	ArgsUsage: "<script.yaml | dir>...",
	Description: `Parse every script and report problems such as unknown actions,
missing reference images and checkpoints naming steps that do not exist.

Examples:
  fleet-runner validate farm.yaml
  fleet-runner --assets ./assets validate scripts/`,
	Action: validateScripts,
}

func validateScripts(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("expected at least one script file or directory")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	v := validator.New(cfg.Assets)
	var files, problems int
	for _, path := range c.Args().Slice() {
		result := v.Validate(path)
		files += len(result.Files)
		problems += len(result.Errors)
		for _, e := range result.Errors {
			fmt.Fprintf(c.App.Writer, "  %s✗%s %v\n", color(colorRed), color(colorReset), e)
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) in %d file(s)", problems, files)
	}
	fmt.Fprintf(c.App.Writer, "%s✓%s %d file(s) valid\n", color(colorGreen), color(colorReset), files)
	return nil
}
