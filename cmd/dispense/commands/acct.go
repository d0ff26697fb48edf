package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/dispense"
)

func newAcctCommand(o *options) *cobra.Command {
	var minBalance, maxBalance int

	cmd := &cobra.Command{
		Use:   "acct [user [±amount|=balance reason]]",
		Short: "Show or change account balances",
		Long: `Without arguments all accounts are listed, optionally bounded with
--min-balance and --max-balance. With a user the account is shown.

With an amount and a reason the balance is changed: "+150" or "-150" adds
to the balance (requires the coke flag), "=500" sets it (requires the
admin flag). Amounts are in cents.`,
		Example: `  dispense acct
  dispense acct alice
  dispense acct alice +500 "cash deposit"
  dispense acct alice =0 "account reset"`,
		Args: func(_ *cobra.Command, args []string) error {
			switch len(args) {
			case 0, 1, 3:
				return nil
			}

			return usageError("acct takes a user, or a user, an amount and a reason")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := client.UserFilter{}
			if cmd.Flags().Changed("min-balance") {
				filter.MinBalance = &minBalance
			}
			if cmd.Flags().Changed("max-balance") {
				filter.MaxBalance = &maxBalance
			}

			return o.runAcct(cmd, args, filter)
		},
	}
	// "-150" is an amount, not a flag
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVarP(&minBalance, "min-balance", "m", 0, "List only accounts with at least this balance")
	cmd.Flags().IntVarP(&maxBalance, "max-balance", "M", 0, "List only accounts with at most this balance")

	return cmd
}

func (o *options) runAcct(cmd *cobra.Command, args []string, filter client.UserFilter) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 3 {
		change, err := parseBalanceChange(args[1])
		if err != nil {
			return err
		}

		c, err := o.login(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := change.apply(ctx, c, args[0], args[2]); err != nil {
			return err
		}

		return showUser(ctx, out, c, args[0])
	}

	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) == 1 {
		return showUser(ctx, out, c, args[0])
	}

	users, err := c.EnumUsers(ctx, filter)
	if err != nil {
		return err
	}
	for _, u := range users {
		printUser(out, u)
	}

	return nil
}

// balanceChange is a parsed "+n", "-n" or "=n" argument.
type balanceChange struct {
	set    bool
	amount int
}

func parseBalanceChange(arg string) (balanceChange, error) {
	var change balanceChange

	digits := arg
	if strings.HasPrefix(arg, "=") {
		change.set = true
		digits = arg[1:]
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return balanceChange{}, usageError(fmt.Sprintf("invalid amount %q", arg))
	}
	if !change.set && n == 0 {
		return balanceChange{}, usageError("amount must not be zero")
	}
	change.amount = n

	return change, nil
}

func (b balanceChange) apply(ctx context.Context, c *client.Client, user, reason string) error {
	if b.set {
		return c.SetBalance(ctx, user, b.amount, reason)
	}

	return c.AdjustBalance(ctx, user, b.amount, reason)
}

func showUser(ctx context.Context, w io.Writer, c *client.Client, name string) error {
	u, err := c.UserInfo(ctx, name)
	if err != nil {
		return err
	}
	printUser(w, u)

	return nil
}

func printUser(w io.Writer, u dispense.User) {
	fmt.Fprintf(w, "%-15s: %s (%s)\n", u.Name, formatCents(u.Balance), u.Flags)
}

// formatCents renders cents as dollars, e.g. "$   4.50".
func formatCents(cents int) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}

	return fmt.Sprintf("%s$%4d.%02d", sign, cents/100, cents%100)
}
