package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed execution of untrusted code",
	Long: `runbox compiles and runs untrusted programs in throwaway workspaces.

Configuration is read from config.yaml in the working directory or ./config,
and can be overridden with RUNBOX_* environment variables
(for example RUNBOX_SANDBOX_BACKEND=docker).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
