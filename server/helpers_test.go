package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// stubHandler is a device handler serving snack:0..2.
type stubHandler struct {
	mu        sync.Mutex
	avail     map[int]dispense.Availability
	failures  map[int]error
	dispensed []string
	delay     time.Duration
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		avail:    make(map[int]dispense.Availability),
		failures: make(map[int]error),
	}
}

func (h *stubHandler) Name() string { return "snack" }

func (h *stubHandler) Init(context.Context) error { return nil }

func (h *stubHandler) CanDispense(_ dispense.User, id int) dispense.Availability {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id < 0 || id > 2 {
		return dispense.Unknown
	}
	if a, ok := h.avail[id]; ok {
		return a
	}

	return dispense.Available
}

func (h *stubHandler) DoDispense(_ context.Context, user dispense.User, id int) error {
	h.mu.Lock()
	delay := h.delay
	h.mu.Unlock()
	// the device time is spent outside the stub lock, like a slow vend
	time.Sleep(delay)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.failures[id]; err != nil {
		return err
	}
	h.dispensed = append(h.dispensed, user.Name+":"+strconv.Itoa(id))

	return nil
}

func (h *stubHandler) SlotStatuses() []dispense.SlotState {
	return []dispense.SlotState{{Slot: 0, Name: "Chips", Status: "avail"}}
}

func (h *stubHandler) setAvailability(id int, a dispense.Availability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.avail[id] = a
}

func (h *stubHandler) failWith(id int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[id] = err
}

func (h *stubHandler) setDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

func (h *stubHandler) dispenses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.dispensed...)
}

type testUser struct {
	name     string
	flags    dispense.Flags
	balance  int
	password string
}

var testUsers = []testUser{
	{"alice", dispense.FlagUser, 500, "hunter2"},
	{"bob", dispense.FlagUser, 100, "bobpw"},
	{"carol", dispense.FlagUser | dispense.FlagCoke, 0, "carolpw"},
	{"root", dispense.FlagUser | dispense.FlagAdmin, 0, "rootpw"},
	{"mallory", dispense.FlagUser | dispense.FlagDisabled, 1000, "mallorypw"},
}

type testEnv struct {
	srv      *Server
	accounts *ledger.MemoryLedger
	snack    *stubHandler
}

// newTestEnv starts a server on a loopback ephemeral port with a seeded
// in-memory ledger and a snack handler.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	ctx := context.Background()
	accounts := ledger.NewMemoryLedger(logger.NewNopMockLogger())
	for _, u := range testUsers {
		uid, err := accounts.CreateUser(ctx, u.name, u.flags)
		require.NoError(t, err)
		require.NoError(t, accounts.SetBalance(ctx, uid, u.balance, "initial balance"))
		require.NoError(t, accounts.SetPassword(ctx, uid, u.password))
	}

	snack := newStubHandler()
	registry := dispense.NewRegistry(logger.NewNopMockLogger())
	require.NoError(t, registry.Register(snack))

	catalog, err := NewCatalog(
		CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 0}, Price: 100, Description: "Chips"},
		CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 1}, Price: 80, Description: "Candy"},
		CatalogItem{Ref: dispense.ItemRef{Type: "snack", ID: 2}, Price: 1000, Description: "Gold bar"},
		CatalogItem{Ref: dispense.ItemRef{Type: "door", ID: 0}, Price: 0, Description: "Door"},
	)
	require.NoError(t, err)

	opts = append([]Option{
		WithAddress("127.0.0.1", 0),
		WithAcceptTimeout(50 * time.Millisecond),
		WithLogger(logger.NewNopMockLogger()),
	}, opts...)
	cfg, err := NewConfig(opts...)
	require.NoError(t, err)

	srv, err := New(catalog, registry, accounts, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Close() })

	return &testEnv{srv: srv, accounts: accounts, snack: snack}
}

func (e *testEnv) balance(t *testing.T, name string) int {
	t.Helper()

	ctx := context.Background()
	uid, err := e.accounts.GetUserID(ctx, name)
	require.NoError(t, err)
	balance, err := e.accounts.GetBalance(ctx, uid)
	require.NoError(t, err)

	return balance
}

func (e *testEnv) port() int {
	return e.srv.Addr().(*net.TCPAddr).Port
}

// pipeSession runs a session over an in-memory pipe and returns the client end.
func (e *testEnv) pipeSession(t *testing.T) *wire.LineChannel {
	t.Helper()

	local, remote := net.Pipe()
	ch, err := wire.NewLineChannel(local, wire.WithReadTimeout(2*time.Second))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.srv.ServeConn(context.Background(), remote)
	}()
	t.Cleanup(func() {
		_ = ch.Close()
		<-done
	})

	return ch
}

// call sends line and reads n response lines.
func call(t *testing.T, ch *wire.LineChannel, line string, n int) []string {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, line))

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		resp, err := ch.ReceiveLine(ctx)
		require.NoError(t, err)
		lines = append(lines, resp)
	}

	return lines
}

func call1(t *testing.T, ch *wire.LineChannel, line string) string {
	t.Helper()

	return call(t, ch, line, 1)[0]
}

// login authenticates ch as name with USER/PASS.
func login(t *testing.T, ch *wire.LineChannel, name string) {
	t.Helper()

	for _, u := range testUsers {
		if u.name != name {
			continue
		}
		resp, err := wire.ParseResponse(call1(t, ch, "USER "+name))
		require.NoError(t, err)
		salt, ok := wire.ParseSalt(resp)
		require.True(t, ok)
		require.Equal(t, "200 Authenticated", call1(t, ch, "PASS "+client.PasswordDigest(name, salt, u.password)))

		return
	}
	t.Fatalf("unknown test user %q", name)
}

// dialClient connects a protocol client and authenticates it as name.
func (e *testEnv) dialClient(t *testing.T, name string) *client.Client {
	t.Helper()

	password := ""
	for _, u := range testUsers {
		if u.name == name {
			password = u.password
		}
	}

	cfg, err := client.NewClientConfig("127.0.0.1", e.port(),
		client.WithUsername(name),
		client.WithPrivilegedPort(false),
		client.WithPasswordFunc(func(string) (string, error) { return password, nil }),
		client.WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	ctx := context.Background()
	c, err := client.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Authenticate(ctx)
	require.NoError(t, err)

	return c
}
