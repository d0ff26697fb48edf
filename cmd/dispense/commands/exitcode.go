package commands

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/wire"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitBadItem      = 1
	ExitInvalidUser  = 2
	ExitPermissions  = 3
	ExitArguments    = 4
	ExitBalance      = 5
	ExitUnknownError = -1
	ExitSocketError  = -2
)

// ErrUsage marks an invalid command line.
var ErrUsage = errors.New("invalid arguments")

func usageError(msg string) error {
	return fmt.Errorf("%w: %s", ErrUsage, msg)
}

// ExitCode maps the error returned by a command to the process exit code.
func ExitCode(err error) int {
	var devErr *dispense.DeviceError

	switch {
	case err == nil:
		return ExitSuccess
	case isUsage(err),
		errors.Is(err, client.ErrInvalidArgument),
		errors.Is(err, client.ErrInvalidFlags):
		return ExitArguments
	case wire.IsConnectionError(err):
		return ExitSocketError
	case errors.Is(err, client.ErrInsufficientBalance):
		return ExitBalance
	case errors.Is(err, client.ErrNotPermitted),
		errors.Is(err, client.ErrNotAuthenticated):
		return ExitPermissions
	case errors.Is(err, client.ErrUnknownUser),
		errors.Is(err, client.ErrUserExists),
		errors.Is(err, client.ErrInvalidCredentials),
		errors.Is(err, client.ErrNoPasswordSource):
		return ExitInvalidUser
	case errors.Is(err, client.ErrBadItem),
		errors.Is(err, client.ErrItemNotFound),
		errors.Is(err, client.ErrAmbiguousItem),
		errors.Is(err, dispense.ErrInvalidItemRef),
		errors.As(err, &devErr):
		return ExitBadItem
	default:
		return ExitUnknownError
	}
}
