// Command fleet-runner runs image-driven scripts on a fleet of Android devices.
package main

import "github.com/devicelab-dev/fleet-runner/pkg/cli"

func main() {
	cli.Execute()
}
