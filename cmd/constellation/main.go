// Command constellation runs the hierarchical work-stealing scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/constellation/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
