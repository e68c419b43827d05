// Command hookcore drives a hookbus session against the sandbox host, and
// resolves byte signatures against binary images.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess = 0
	ExitError   = 1
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hookcore",
		Short: "Hook host routines and dispatch them as events",
		Long: `hookcore resolves signatures, installs trampoline hooks on the matched
call sites and turns every call into Before and After events that Go and Lua
listeners can observe or cancel.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCmd(), newScanCmd())
	return cmd
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(ExitError)
	}
	os.Exit(ExitSuccess)
}
