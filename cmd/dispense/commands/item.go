package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-dispense/dispense"
)

func newItemInfoCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "iteminfo <type:id>",
		Short:   "Show the price and status of an item",
		Example: "  dispense iteminfo coke:3",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := dispense.ParseItemRef(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := o.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			item, err := c.ItemInfo(ctx, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", item, item.Status)

			return nil
		},
	}
}
