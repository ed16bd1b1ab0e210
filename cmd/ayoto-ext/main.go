// Package main provides the ayoto-ext CLI: building, inspecting, and
// verifying extension packages, and running the extension host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "ayoto-ext",
		Short:         "Ayoto extension toolchain and host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildCmd(),
		inspectCmd(),
		verifyCmd(),
		validateCmd(),
		keygenCmd(),
		serveCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
