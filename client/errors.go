package client

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned after the password was refused MaxPasswordAttempts times.
	ErrInvalidCredentials = errors.New("client: invalid credentials")
	// ErrUnknownUser is returned when the server does not know the user.
	ErrUnknownUser = errors.New("client: unknown user")
	// ErrNotPermitted is returned when the user lacks the required permission.
	ErrNotPermitted = errors.New("client: not permitted")
	// ErrNotAuthenticated is returned for a mutating command on an unauthenticated session.
	ErrNotAuthenticated = errors.New("client: not authenticated")
	// ErrNoPasswordSource is returned when a password is required but no PasswordFunc is configured.
	ErrNoPasswordSource = errors.New("client: password required but no password source configured")

	// ErrBadItem is returned for an unknown item.
	ErrBadItem = errors.New("client: bad item")
	// ErrInsufficientBalance is returned when the balance does not cover the request.
	ErrInsufficientBalance = errors.New("client: insufficient balance")
	// ErrInvalidFlags is returned for a rejected flag spec.
	ErrInvalidFlags = errors.New("client: invalid flags")
	// ErrUserExists is returned by AddUser for an existing user.
	ErrUserExists = errors.New("client: user already exists")
	// ErrBadRequest is returned when the server could not parse a request.
	ErrBadRequest = errors.New("client: bad request")

	// ErrInvalidArgument is returned before sending for arguments the server would reject.
	ErrInvalidArgument = errors.New("client: invalid argument")
	// ErrItemNotFound is returned by FindItem when nothing matches.
	ErrItemNotFound = errors.New("client: no matching item")
	// ErrAmbiguousItem is returned by FindItem when more than one item matches.
	ErrAmbiguousItem = errors.New("client: ambiguous item")
)

// AuthError is an authentication failure. It wraps one of
// ErrInvalidCredentials, ErrUnknownUser, ErrNotPermitted or ErrNoPasswordSource.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.User)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CommandError is a well formed refusal of a command by the server, or a
// local refusal before anything was sent (Code 0).
type CommandError struct {
	Command string
	Code    int
	Line    string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %v (%s)", e.Command, e.Err, e.Line)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Sent reports whether the command reached the server.
func (e *CommandError) Sent() bool {
	return e.Code != 0
}

