// rlm-sandboxd manages the sandbox daemon and provides ad-hoc execution of
// snippets against any backend.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rlm-sandboxd",
		Short: "Sandboxed code execution daemon",
		Long:  "Runs and manages the shared sandbox daemon, and executes snippets against the daemon or a local runtime.",
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path (default: ./config.yaml or ~/.rlm-sandbox/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newExecCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
