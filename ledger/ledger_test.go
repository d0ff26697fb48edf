package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Accounts
}

func stores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Accounts {
			return NewMemoryLedger(logger.NewNopMockLogger())
		}},
		{"badger", func(t *testing.T) Accounts {
			t.Helper()
			b, err := OpenBadger("", WithInMemory(), WithBadgerLogger(logger.NewNopMockLogger()))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })

			return b
		}},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, a Accounts)) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			fn(t, sf.open(t))
		})
	}
}

func intPtr(v int) *int { return &v }

func TestCreateAndLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()

		alice, err := a.CreateUser(ctx, "alice", dispense.FlagUser|dispense.FlagCoke)
		require.NoError(t, err)
		bob, err := a.CreateUser(ctx, "bob", dispense.FlagUser)
		require.NoError(t, err)
		assert.NotEqual(t, alice, bob)

		uid, err := a.GetUserID(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice, uid)

		name, err := a.UserName(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, "bob", name)

		u, err := a.User(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, dispense.User{ID: alice, Name: "alice", Balance: 0, Flags: dispense.FlagUser | dispense.FlagCoke}, u)

		_, err = a.CreateUser(ctx, "alice", dispense.FlagUser)
		assert.ErrorIs(t, err, ErrUserExists)

		_, err = a.GetUserID(ctx, "carol")
		assert.ErrorIs(t, err, dispense.ErrUnknownUser)
		_, err = a.GetBalance(ctx, 999)
		assert.ErrorIs(t, err, dispense.ErrUnknownUser)
	})
}

func TestInvalidNames(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		for _, name := range []string{"", "two words", "tab\tname", "a:b", ">custom", "abcdefghijklmnopqrstuvwxyz0123456789"} {
			_, err := a.CreateUser(context.Background(), name, dispense.FlagUser)
			assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		}
	})
}

func TestTransfer(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()
		house, err := EnsureHouse(ctx, a)
		require.NoError(t, err)

		alice, err := a.CreateUser(ctx, "alice", dispense.FlagUser)
		require.NoError(t, err)
		bob, err := a.CreateUser(ctx, "bob", dispense.FlagUser)
		require.NoError(t, err)

		// house accounts may go negative
		require.NoError(t, a.Transfer(ctx, house.Adjustments, alice, 500, "top up"))
		bal, _ := a.GetBalance(ctx, house.Adjustments)
		assert.Equal(t, -500, bal)

		require.NoError(t, a.Transfer(ctx, alice, bob, 200, "lunch"))
		bal, _ = a.GetBalance(ctx, alice)
		assert.Equal(t, 300, bal)
		bal, _ = a.GetBalance(ctx, bob)
		assert.Equal(t, 200, bal)

		err = a.Transfer(ctx, bob, alice, 201, "too much")
		assert.ErrorIs(t, err, dispense.ErrInsufficientBalance)
		bal, _ = a.GetBalance(ctx, bob)
		assert.Equal(t, 200, bal)

		require.NoError(t, a.Transfer(ctx, bob, house.Sales, 200, "coke:6"))
		bal, _ = a.GetBalance(ctx, bob)
		assert.Zero(t, bal)

		err = a.Transfer(ctx, alice, bob, -1, "negative")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		err = a.Transfer(ctx, alice, 999, 1, "nobody")
		assert.ErrorIs(t, err, dispense.ErrUnknownUser)
		bal, _ = a.GetBalance(ctx, alice)
		assert.Equal(t, 300, bal)
	})
}

func TestConcurrentTransfers(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()
		house, err := EnsureHouse(ctx, a)
		require.NoError(t, err)
		alice, err := a.CreateUser(ctx, "alice", dispense.FlagUser)
		require.NoError(t, err)
		require.NoError(t, a.SetBalance(ctx, alice, 1000, "seed"))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, a.Transfer(ctx, alice, house.Sales, 100, "coke:1"))
			}()
		}
		wg.Wait()

		bal, _ := a.GetBalance(ctx, alice)
		assert.Zero(t, bal)
		bal, _ = a.GetBalance(ctx, house.Sales)
		assert.Equal(t, 1000, bal)
	})
}

func TestEnsureHouseIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()
		first, err := EnsureHouse(ctx, a)
		require.NoError(t, err)
		second, err := EnsureHouse(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		flags, err := a.GetFlags(ctx, first.Sales)
		require.NoError(t, err)
		assert.True(t, flags.Has(dispense.FlagInternal))
	})
}

func TestUsersFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()
		for name, balance := range map[string]int{"alice": 100, "bob": -50, "carol": 700} {
			uid, err := a.CreateUser(ctx, name, dispense.FlagUser)
			require.NoError(t, err)
			require.NoError(t, a.SetBalance(ctx, uid, balance, "seed"))
		}

		all, err := a.Users(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}

		names := func(users []dispense.User) []string {
			out := make([]string, 0, len(users))
			for _, u := range users {
				out = append(out, u.Name)
			}
			return out
		}

		got, err := a.Users(ctx, Filter{MinBalance: intPtr(0)})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "carol"}, names(got))

		got, err = a.Users(ctx, Filter{MaxBalance: intPtr(100)})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, names(got))

		got, err = a.Users(ctx, Filter{MinBalance: intPtr(101), MaxBalance: intPtr(700)})
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, names(got))
	})
}

func TestFlagsAndPasswords(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		ctx := context.Background()
		uid, err := a.CreateUser(ctx, "alice", dispense.FlagUser)
		require.NoError(t, err)

		require.NoError(t, a.SetFlags(ctx, uid, dispense.FlagUser|dispense.FlagAdmin))
		flags, err := a.GetFlags(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, dispense.FlagUser|dispense.FlagAdmin, flags)

		_, err = a.PasswordHash(ctx, uid)
		assert.ErrorIs(t, err, ErrNoPassword)

		require.NoError(t, a.SetPassword(ctx, uid, "hunter2"))
		hash, err := a.PasswordHash(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, HashPassword("hunter2"), hash)
		assert.Len(t, hash, 20)

		assert.ErrorIs(t, a.SetFlags(ctx, 999, dispense.FlagUser), dispense.ErrUnknownUser)
		assert.ErrorIs(t, a.SetPassword(ctx, 999, "x"), dispense.ErrUnknownUser)
	})
}

func TestClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, a Accounts) {
		require.NoError(t, a.Close())
		_, err := a.GetUserID(context.Background(), "alice")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestBadgerJournal(t *testing.T) {
	b, err := OpenBadger("", WithInMemory(), WithBadgerLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	house, err := EnsureHouse(ctx, b)
	require.NoError(t, err)
	alice, err := b.CreateUser(ctx, "alice", dispense.FlagUser)
	require.NoError(t, err)

	require.NoError(t, b.Transfer(ctx, house.Adjustments, alice, 300, "deposit"))
	require.NoError(t, b.Transfer(ctx, alice, house.Sales, 120, "coke:2"))
	require.NoError(t, b.SetBalance(ctx, alice, 1000, "correction"))

	entries, err := b.Journal(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "deposit", entries[0].Reason)
	assert.Equal(t, 300, entries[0].Amount)
	assert.Equal(t, "coke:2", entries[1].Reason)
	assert.Equal(t, ">sales", entries[1].To)
	assert.Equal(t, 820, entries[2].Amount)

	last, err := b.Journal(ctx, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "correction", last[0].Reason)
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(dir, WithBadgerLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	uid, err := b.CreateUser(ctx, "alice", dispense.FlagUser)
	require.NoError(t, err)
	require.NoError(t, b.SetBalance(ctx, uid, 250, "seed"))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, WithBadgerLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	defer b.Close()

	got, err := b.GetUserID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uid, got)
	bal, err := b.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 250, bal)

	next, err := b.CreateUser(ctx, "bob", dispense.FlagUser)
	require.NoError(t, err)
	assert.Equal(t, uid+1, next)

	_, err = OpenBadger("")
	assert.Error(t, err)
}
