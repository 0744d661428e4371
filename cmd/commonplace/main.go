// Command commonplace serves, mirrors and inspects a shared tree of
// replicated documents.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/commonplace/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
