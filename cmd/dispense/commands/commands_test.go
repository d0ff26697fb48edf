package commands

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/server"
	"github.com/arloliu/go-dispense/wire"
)

type snackHandler struct{}

func (snackHandler) Name() string { return "snack" }

func (snackHandler) Init(context.Context) error { return nil }

func (snackHandler) CanDispense(_ dispense.User, id int) dispense.Availability {
	if id < 0 || id > 2 {
		return dispense.Unknown
	}

	return dispense.Available
}

func (snackHandler) DoDispense(context.Context, dispense.User, int) error { return nil }

var passwords = map[string]string{
	"alice": "hunter2",
	"bob":   "bobpw",
	"carol": "carolpw",
	"root":  "rootpw",
}

type cliEnv struct {
	accounts *ledger.MemoryLedger
	port     int
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	ctx := context.Background()
	accounts := ledger.NewMemoryLedger(logger.NewNopMockLogger())
	seed := []struct {
		name    string
		flags   dispense.Flags
		balance int
	}{
		{"alice", dispense.FlagUser, 500},
		{"bob", dispense.FlagUser, 100},
		{"carol", dispense.FlagUser | dispense.FlagCoke, 0},
		{"root", dispense.FlagUser | dispense.FlagAdmin, 0},
	}
	for _, u := range seed {
		uid, err := accounts.CreateUser(ctx, u.name, u.flags)
		require.NoError(t, err)
		require.NoError(t, accounts.SetBalance(ctx, uid, u.balance, "initial balance"))
		require.NoError(t, accounts.SetPassword(ctx, uid, passwords[u.name]))
	}

	registry := dispense.NewRegistry(logger.NewNopMockLogger())
	require.NoError(t, registry.Register(snackHandler{}))

	catalog, err := server.NewCatalog(
		server.CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 0}, Price: 100, Description: "Chips"},
		server.CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 1}, Price: 80, Description: "Candy"},
		server.CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 2}, Price: 1000, Description: "Gold bar"},
	)
	require.NoError(t, err)

	cfg, err := server.NewConfig(
		server.WithAddress("127.0.0.1", 0),
		server.WithAcceptTimeout(50*time.Millisecond),
		server.WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	srv, err := server.New(catalog, registry, accounts, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Close() })

	return &cliEnv{accounts: accounts, port: srv.Addr().(*net.TCPAddr).Port}
}

func (e *cliEnv) balance(t *testing.T, name string) int {
	t.Helper()

	ctx := context.Background()
	uid, err := e.accounts.GetUserID(ctx, name)
	require.NoError(t, err)
	balance, err := e.accounts.GetBalance(ctx, uid)
	require.NoError(t, err)

	return balance
}

// run executes the command line as user against port.
func run(t *testing.T, port int, user string, args ...string) (string, error) {
	t.Helper()

	t.Setenv("DISPENSE_USERNAME", user)
	t.Setenv("DISPENSE_PRIVILEGED", "false")
	t.Setenv("DISPENSE_LOGGING_LEVEL", "error")

	cmd := newRootCommand(func(name string) (string, error) {
		return passwords[name], nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"-H", "127.0.0.1", "-P", strconv.Itoa(port)}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)

	return out.String(), err
}

func TestDispense_List(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "  0 snack:0   100 Chips\n")
	assert.Contains(t, out, "  2 snack:2  1000 Gold bar\n")
}

func TestDispense_Item(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "alice", "chi")
	require.NoError(t, err)
	assert.Equal(t, "Dispense OK\n", out)
	assert.Equal(t, 400, env.balance(t, "alice"))

	out, err = run(t, env.port, "alice", "-c", "2", "snack:1")
	require.NoError(t, err)
	assert.Equal(t, "2 items dispensed\n", out)
	assert.Equal(t, 240, env.balance(t, "alice"))

	_, err = run(t, env.port, "alice", "1")
	require.NoError(t, err)
	assert.Equal(t, 160, env.balance(t, "alice"))

	_, err = run(t, env.port, "alice", "-n", "snack:0")
	require.NoError(t, err)
	assert.Equal(t, 160, env.balance(t, "alice"))
}

func TestDispense_ItemFailures(t *testing.T) {
	env := newCLIEnv(t)

	_, err := run(t, env.port, "alice", "snack:2")
	assert.Equal(t, ExitBalance, ExitCode(err))

	_, err = run(t, env.port, "alice", "pretzels")
	assert.Equal(t, ExitBadItem, ExitCode(err))

	_, err = run(t, env.port, "alice", "snack:9")
	assert.Equal(t, ExitBadItem, ExitCode(err))

	_, err = run(t, env.port, "alice", "-c", "21", "snack:0")
	assert.Equal(t, ExitArguments, ExitCode(err))

	_, err = run(t, env.port, "nobody", "snack:0")
	assert.Equal(t, ExitInvalidUser, ExitCode(err))

	assert.Equal(t, 500, env.balance(t, "alice"))
}

func TestDispense_EffectiveUser(t *testing.T) {
	env := newCLIEnv(t)

	_, err := run(t, env.port, "carol", "-u", "alice", "snack:0")
	require.NoError(t, err)
	assert.Equal(t, 400, env.balance(t, "alice"))

	_, err = run(t, env.port, "bob", "-u", "alice", "snack:0")
	assert.Equal(t, ExitPermissions, ExitCode(err))
}

func TestAcct(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "alice", "acct", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice          : $   5.00 (user)\n", out)

	out, err = run(t, env.port, "alice", "acct", "-m", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "alice          : $   5.00 (user)\n")
	assert.Contains(t, out, "bob            : $   1.00 (user)\n")
	assert.NotContains(t, out, "carol")

	out, err = run(t, env.port, "carol", "acct", "bob", "-50", "fine")
	require.NoError(t, err)
	assert.Equal(t, "bob            : $   0.50 (user)\n", out)
	assert.Equal(t, 50, env.balance(t, "bob"))

	_, err = run(t, env.port, "alice", "acct", "bob", "+50", "gift")
	assert.Equal(t, ExitPermissions, ExitCode(err))

	_, err = run(t, env.port, "root", "acct", "bob", "=1234", "audit")
	require.NoError(t, err)
	assert.Equal(t, 1234, env.balance(t, "bob"))

	_, err = run(t, env.port, "alice", "acct", "nobody")
	assert.Equal(t, ExitInvalidUser, ExitCode(err))

	_, err = run(t, env.port, "alice", "acct", "bob", "+5")
	assert.Equal(t, ExitArguments, ExitCode(err))
}

func TestGiveAndDonate(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "alice", "give", "bob", "150", "lunch")
	require.NoError(t, err)
	assert.Equal(t, "Gave $   1.50 to bob\n", out)
	assert.Equal(t, 350, env.balance(t, "alice"))
	assert.Equal(t, 250, env.balance(t, "bob"))

	out, err = run(t, env.port, "bob", "donate", "50", "thanks")
	require.NoError(t, err)
	assert.Equal(t, "Donated $   0.50\n", out)
	assert.Equal(t, 200, env.balance(t, "bob"))

	_, err = run(t, env.port, "bob", "give", "alice", "10000", "too much")
	assert.Equal(t, ExitBalance, ExitCode(err))

	_, err = run(t, env.port, "bob", "give", "alice", "-5", "negative")
	assert.Equal(t, ExitArguments, ExitCode(err))

	_, err = run(t, env.port, "bob", "give", "alice")
	assert.Equal(t, ExitArguments, ExitCode(err))
}

func TestItemInfo(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "alice", "iteminfo", "snack:1")
	require.NoError(t, err)
	assert.Equal(t, "snack:1    80 Candy (avail)\n", out)

	_, err = run(t, env.port, "alice", "iteminfo", "candy")
	assert.Equal(t, ExitBadItem, ExitCode(err))
}

func TestUser(t *testing.T) {
	env := newCLIEnv(t)

	out, err := run(t, env.port, "root", "user", "add", "dave")
	require.NoError(t, err)
	assert.Equal(t, "User dave added\n", out)

	out, err = run(t, env.port, "root", "user", "flags", "dave", "coke")
	require.NoError(t, err)
	assert.Equal(t, "dave           : $   0.00 (user,coke)\n", out)

	_, err = run(t, env.port, "root", "user", "type", "dave", "-coke")
	require.NoError(t, err)

	_, err = run(t, env.port, "root", "user", "add", "dave")
	assert.Equal(t, ExitInvalidUser, ExitCode(err))

	_, err = run(t, env.port, "alice", "user", "add", "eve")
	assert.Equal(t, ExitPermissions, ExitCode(err))

	_, err = run(t, env.port, "root", "user", "rename", "dave")
	assert.Equal(t, ExitArguments, ExitCode(err))
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = run(t, port, "alice")
	assert.Equal(t, ExitSocketError, ExitCode(err))
}

func TestUnknownFlag(t *testing.T) {
	_, err := run(t, 1, "alice", "--bogus")
	assert.Equal(t, ExitArguments, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", usageError("bad"), ExitArguments},
		{"invalid argument", client.ErrInvalidArgument, ExitArguments},
		{"connection", &wire.ConnectionError{Op: "dial", Err: errors.New("refused")}, ExitSocketError},
		{"balance", &client.CommandError{Command: "DISPENSE", Code: 402, Err: client.ErrInsufficientBalance}, ExitBalance},
		{"forbidden", &client.CommandError{Command: "ADD", Code: 403, Err: client.ErrNotPermitted}, ExitPermissions},
		{"credentials", &client.AuthError{User: "alice", Err: client.ErrInvalidCredentials}, ExitInvalidUser},
		{"unknown user", &client.CommandError{Command: "USER_INFO", Code: 404, Err: client.ErrUnknownUser}, ExitInvalidUser},
		{"bad item", &client.CommandError{Command: "DISPENSE", Code: 406, Err: client.ErrBadItem}, ExitBadItem},
		{"device", dispense.NewDeviceError(dispense.ErrDeviceUnavailable, "coke", 3, "", nil), ExitBadItem},
		{"ambiguous", client.ErrAmbiguousItem, ExitBadItem},
		{"other", errors.New("boom"), ExitUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestParseBalanceChange(t *testing.T) {
	change, err := parseBalanceChange("+150")
	require.NoError(t, err)
	assert.Equal(t, balanceChange{amount: 150}, change)

	change, err = parseBalanceChange("-20")
	require.NoError(t, err)
	assert.Equal(t, balanceChange{amount: -20}, change)

	change, err = parseBalanceChange("=0")
	require.NoError(t, err)
	assert.Equal(t, balanceChange{set: true}, change)

	for _, arg := range []string{"0", "=", "lots", "=x"} {
		_, err := parseBalanceChange(arg)
		require.ErrorIs(t, err, ErrUsage, arg)
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$   0.05", formatCents(5))
	assert.Equal(t, "$  12.34", formatCents(1234))
	assert.Equal(t, "-$   1.50", formatCents(-150))
}
