// Package ledger provides the account stores behind the dispense server:
// balances, flags and password hashes of users and house accounts.
//
// Two stores implement Accounts: MemoryLedger, for tests and throwaway
// servers, and BadgerLedger, which persists accounts in an embedded Badger
// database. Amounts are integral cents. A transfer never leaves a regular
// account below zero; internal (house) accounts may go negative.
package ledger

import (
	"context"
	"crypto/sha1" //nolint:gosec // the wire protocol is defined over SHA1
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/arloliu/go-dispense/dispense"
)

// House accounts. Their names start with '>' so they can never collide with
// a login name.
const (
	SalesAccount       = ">sales"
	DonationsAccount   = ">donations"
	AdjustmentsAccount = ">adjustments"

	// MaxNameLength bounds account names.
	MaxNameLength = 32
)

var (
	// ErrUserExists is returned by CreateUser for a name already taken.
	ErrUserExists = errors.New("ledger: user already exists")
	// ErrInvalidName is returned for an empty or malformed account name.
	ErrInvalidName = errors.New("ledger: invalid account name")
	// ErrInvalidAmount is returned for a negative transfer amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrNoPassword is returned by PasswordHash for an account without a password.
	ErrNoPassword = errors.New("ledger: no password set")
	// ErrClosed is returned by a closed store.
	ErrClosed = errors.New("ledger: closed")
)

// Filter selects users by balance. Nil bounds are open.
type Filter struct {
	MinBalance *int
	MaxBalance *int
}

func (f Filter) match(balance int) bool {
	if f.MinBalance != nil && balance < *f.MinBalance {
		return false
	}
	if f.MaxBalance != nil && balance > *f.MaxBalance {
		return false
	}

	return true
}

// Accounts is the full account store used by the server.
type Accounts interface {
	dispense.Ledger

	// User returns the account uid.
	User(ctx context.Context, uid int) (dispense.User, error)
	// UserName returns the name of account uid.
	UserName(ctx context.Context, uid int) (string, error)
	// CreateUser creates an account with a zero balance and returns its id.
	CreateUser(ctx context.Context, name string, flags dispense.Flags) (int, error)
	// SetBalance sets the balance of uid.
	SetBalance(ctx context.Context, uid int, balance int, reason string) error
	// SetFlags replaces the flags of uid.
	SetFlags(ctx context.Context, uid int, flags dispense.Flags) error
	// Users lists the accounts matching filter, ordered by id.
	Users(ctx context.Context, filter Filter) ([]dispense.User, error)
	// PasswordHash returns SHA1 of the password of uid.
	PasswordHash(ctx context.Context, uid int) ([]byte, error)
	// SetPassword sets the password of uid.
	SetPassword(ctx context.Context, uid int, password string) error
	// Close releases the store.
	Close() error
}

// House holds the ids of the house accounts.
type House struct {
	Sales       int
	Donations   int
	Adjustments int
}

// EnsureHouse creates the house accounts that do not exist yet.
func EnsureHouse(ctx context.Context, a Accounts) (House, error) {
	var house House
	for _, acct := range []struct {
		name string
		id   *int
	}{
		{SalesAccount, &house.Sales},
		{DonationsAccount, &house.Donations},
		{AdjustmentsAccount, &house.Adjustments},
	} {
		uid, err := a.GetUserID(ctx, acct.name)
		if errors.Is(err, dispense.ErrUnknownUser) {
			uid, err = a.CreateUser(ctx, acct.name, dispense.FlagInternal)
		}
		if err != nil {
			return House{}, fmt.Errorf("ledger: house account %s: %w", acct.name, err)
		}
		*acct.id = uid
	}

	return house, nil
}

// HashPassword returns the stored form of a password, SHA1(password).
func HashPassword(password string) []byte {
	sum := sha1.Sum([]byte(password)) //nolint:gosec
	return sum[:]
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == ':' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	if strings.HasPrefix(name, ">") {
		switch name {
		case SalesAccount, DonationsAccount, AdjustmentsAccount:
		default:
			return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
		}
	}

	return nil
}

// account is the stored form of a user.
type account struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Balance      int            `json:"balance"`
	Flags        dispense.Flags `json:"flags"`
	PasswordHash []byte         `json:"password_hash,omitempty"`
}

func (a *account) user() dispense.User {
	return dispense.User{ID: a.ID, Name: a.Name, Balance: a.Balance, Flags: a.Flags}
}

// applyTransfer moves amount between two loaded accounts.
func applyTransfer(src, dst *account, amount int) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if !src.Flags.Has(dispense.FlagInternal) && src.Balance-amount < 0 {
		return fmt.Errorf("%w: %s has %d, needs %d", dispense.ErrInsufficientBalance, src.Name, src.Balance, amount)
	}
	src.Balance -= amount
	dst.Balance += amount

	return nil
}

func sortUsers(users []dispense.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
}

func unknownUser(uid int) error {
	return fmt.Errorf("%w: id %d", dispense.ErrUnknownUser, uid)
}
