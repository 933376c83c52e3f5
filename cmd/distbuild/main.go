// Command distbuild runs the controller, workers and shared artifact cache
// of a distributed build network, and sends build requests to it.
package main

import (
	"fmt"
	"os"

	"github.com/perryl/distbuild/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
