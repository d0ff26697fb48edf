package dispense

import (
	"context"
	"errors"
)

var (
	// ErrUnknownUser is returned by a Ledger for an unknown user name or id.
	ErrUnknownUser = errors.New("dispense: unknown user")
	// ErrInsufficientBalance is returned by Ledger.Transfer when the source would be overdrawn.
	ErrInsufficientBalance = errors.New("dispense: insufficient balance")
)

// Ledger is the account capability handlers and the server rely on.
// Amounts are integral cents.
type Ledger interface {
	// GetBalance returns the balance of user uid.
	GetBalance(ctx context.Context, uid int) (int, error)
	// Transfer moves amount from src to dst atomically.
	Transfer(ctx context.Context, src, dst int, amount int, reason string) error
	// GetUserID resolves a user name.
	GetUserID(ctx context.Context, name string) (int, error)
	// GetFlags returns the current flags of user uid.
	GetFlags(ctx context.Context, uid int) (Flags, error)
}
