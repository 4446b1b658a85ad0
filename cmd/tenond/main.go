// Command tenond is the process entrypoint: it loads property.json, builds
// the addon registry, starts the App, auto-starts any predefined graphs
// marked auto_start, and blocks until the App is closed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tenond",
		Short: "tenond runs an App process hosting one or more extension graphs",
	}
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
