package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUserCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Administer user accounts (admin only)",
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError("user requires a sub-command")
			}

			return usageError(fmt.Sprintf("unknown user sub-command %q", args[0]))
		},
	}

	flagsCmd := &cobra.Command{
		Use:     "flags <name> <spec>",
		Aliases: []string{"type"},
		Short:   "Set or clear account flags",
		Long: `Applies a comma separated flag spec to an account. A name sets the
flag and a name prefixed with "-" clears it, e.g. "coke,-disabled".`,
		Example: "  dispense user flags bob coke,-disabled",
		Args:    exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := o.login(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SetUserFlags(ctx, args[0], args[1]); err != nil {
				return err
			}

			return showUser(ctx, cmd.OutOrStdout(), c, args[0])
		},
	}
	// "-disabled" is a flag spec, not an option
	flagsCmd.Flags().SetInterspersed(false)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <name>",
			Short: "Create an account",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				c, err := o.login(ctx)
				if err != nil {
					return err
				}
				defer c.Close()

				if err := c.AddUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s added\n", args[0])

				return nil
			},
		},
		flagsCmd,
	)

	return cmd
}
