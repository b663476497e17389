// Command courier is the courier server and CLI entry point.
package main

import (
	"fmt"
	"os"

	"courier/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
