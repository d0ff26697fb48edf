package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newGiveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "give <user> <amount> <reason>",
		Short:   "Give money to another user",
		Example: `  dispense give bob 150 "lunch"`,
		Args:    exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := o.login(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Give(ctx, args[0], amount, args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gave %s to %s\n", formatCents(amount), args[0])

			return nil
		},
	}
}

func newDonateCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "donate <amount> <reason>",
		Short:   "Donate money to the house",
		Example: `  dispense donate 100 "thanks for the coffee"`,
		Args:    exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := o.login(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Donate(ctx, amount, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Donated %s\n", formatCents(amount))

			return nil
		},
	}
}

// parseAmount parses a positive amount of cents.
func parseAmount(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, usageError(fmt.Sprintf("invalid amount %q", arg))
	}

	return n, nil
}
