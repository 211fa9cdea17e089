// Command chanvault manages durable channel state for lightning nodes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chanvault/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
