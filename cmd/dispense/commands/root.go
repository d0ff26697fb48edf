// Package commands implements the dispense client command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/config"
	"github.com/arloliu/go-dispense/dispense"
)

// Version information, set by main.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// options holds the flags shared by all commands.
type options struct {
	configFile    string
	host          string
	port          int
	effectiveUser string
	dryRun        bool

	password client.PasswordFunc
}

// NewRootCommand builds the dispense command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(promptPassword)
}

func newRootCommand(password client.PasswordFunc) *cobra.Command {
	o := &options{password: password}
	var count int

	cmd := &cobra.Command{
		Use:   "dispense [item]",
		Short: "Dispense items and manage accounts",
		Long: `dispense talks to the dispense server.

Without arguments the item list is shown. With an item argument the item is
dispensed and charged to your account. An item is one of:
  door        open the door
  <type>:<id> an item reference, e.g. coke:3
  <n>         the n-th entry of the item list
  <prefix>    a unique prefix of an item description`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		Args:          maxArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return o.runList(cmd)
			}

			return o.runDispense(cmd, args[0], count)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err.Error())
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "Path to the client configuration file")
	pf.StringVarP(&o.host, "host", "H", "", "Server host (overrides the configuration)")
	pf.IntVarP(&o.port, "port", "P", 0, "Server port (overrides the configuration)")
	pf.StringVarP(&o.effectiveUser, "user", "u", "", "Act as another user (requires the coke flag)")
	pf.BoolVarP(&o.dryRun, "dry-run", "n", false, "Show what would be done without changing anything")

	cmd.Flags().IntVarP(&count, "count", "c", 1, fmt.Sprintf("Number of items to dispense (1-%d)", client.MaxDispenseCount))

	cmd.AddCommand(
		newAcctCommand(o),
		newGiveCommand(o),
		newDonateCommand(o),
		newItemInfoCommand(o),
		newUserCommand(o),
	)

	return cmd
}

// Execute runs the command line against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// connect dials the server configured by the configuration file, the
// environment and the command line flags.
func (o *options) connect(ctx context.Context) (*client.Client, error) {
	cfg, err := config.LoadClient(o.configFile)
	if err != nil {
		return nil, usageError(err.Error())
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.port != 0 {
		cfg.Port = o.port
	}

	l, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, usageError(err.Error())
	}

	opts := append(cfg.ClientOptions(l),
		client.WithPasswordFunc(o.password),
		client.WithDryRun(o.dryRun),
	)
	ccfg, err := client.NewClientConfig(cfg.Host, cfg.Port, opts...)
	if err != nil {
		return nil, usageError(err.Error())
	}

	return client.Dial(ctx, ccfg)
}

// login connects and authenticates, switching to the effective user if one was given.
func (o *options) login(ctx context.Context) (*client.Client, error) {
	c, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := c.Authenticate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if o.effectiveUser != "" {
		if err := c.SetEffectiveUser(ctx, o.effectiveUser); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (o *options) runList(cmd *cobra.Command) error {
	ctx := cmd.Context()
	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	items, err := c.FetchCatalog(ctx)
	if err != nil {
		return err
	}

	printItems(cmd.OutOrStdout(), items)

	return nil
}

func (o *options) runDispense(cmd *cobra.Command, query string, count int) error {
	if count < 1 || count > client.MaxDispenseCount {
		return usageError(fmt.Sprintf("count must be between 1 and %d", client.MaxDispenseCount))
	}

	ctx := cmd.Context()
	c, err := o.login(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ref, err := resolveItem(ctx, c, query)
	if err != nil {
		return err
	}

	n, err := c.DispenseN(ctx, ref, count)
	out := cmd.OutOrStdout()
	if n > 1 || (err != nil && n > 0) {
		fmt.Fprintf(out, "%d items dispensed\n", n)
	}
	if err != nil {
		return err
	}
	if n == 1 {
		fmt.Fprintln(out, "Dispense OK")
	}

	return nil
}

// resolveItem turns a command line item argument into an item reference.
// Only index and prefix queries need the catalog.
func resolveItem(ctx context.Context, c *client.Client, query string) (dispense.ItemRef, error) {
	if query == "door" {
		return dispense.ItemRef{Type: "door", ID: 0}, nil
	}
	if ref, err := dispense.ParseItemRef(query); err == nil {
		return ref, nil
	}

	item, err := c.FindItem(ctx, query)
	if err != nil {
		return dispense.ItemRef{}, err
	}

	return item.Ref(), nil
}

func printItems(w io.Writer, items []dispense.Item) {
	for i, item := range items {
		marker := ""
		if item.Status != dispense.ItemAvailable {
			marker = " (" + item.Status.String() + ")"
		}
		fmt.Fprintf(w, "%3d %s%s\n", i, item, marker)
	}
}

// maxArgs is cobra.MaximumNArgs reporting a usage error.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError(err.Error())
		}

		return nil
	}
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err.Error())
		}

		return nil
	}
}

// isUsage reports whether err is a command line usage error.
func isUsage(err error) bool {
	return errors.Is(err, ErrUsage)
}
