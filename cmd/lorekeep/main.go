// Command lorekeep is the entry point for the Lorekeep corpus assistant.
// It provides a CLI interface (via Cobra) and an optional HTTP server for
// interactive use.
package main

import (
	"fmt"
	"os"

	"github.com/lorehaven/lorekeep/cmd/lorekeep/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
