// Package commands implements the dispsrv command line.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, set by main.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand builds the dispsrv command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispsrv",
		Short: "Dispense server",
		Long: `dispsrv serves the dispense protocol, drives the vending devices and keeps
the account ledger.

Use "dispsrv config init" to write a configuration file and
"dispsrv start --config <file>" to run the server.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStartCommand(), newConfigCommand())

	return cmd
}

// Execute runs the command line against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
