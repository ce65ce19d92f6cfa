// Command asyncverify verifies the order service against its AsyncAPI
// contract under a chosen pair of transport protocols.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/asyncverify/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			// flag and argument errors from cobra
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(exitErr.Code)
	}
}
