package client

import (
	"context"
	"crypto/sha1" //nolint:gosec // mandated by the wire protocol
	"fmt"
	"sync"

	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// AuthState is the state of an AuthSession.
type AuthState int

const (
	AuthStart AuthState = iota
	AuthAutoAttempted
	AuthPasswordChallenge
	AuthAuthenticated
	AuthEffectiveUserSet
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthStart:
		return "start"
	case AuthAutoAttempted:
		return "autoauth-attempted"
	case AuthPasswordChallenge:
		return "password-challenge"
	case AuthAuthenticated:
		return "authenticated"
	case AuthEffectiveUserSet:
		return "effective-user-set"
	default:
		return "failed"
	}
}

// AuthMethod tells how a session was authenticated.
type AuthMethod int

const (
	AuthMethodNone AuthMethod = iota
	AuthMethodTrusted
	AuthMethodPassword
)

// AuthResult describes an authenticated session.
type AuthResult struct {
	User          string
	EffectiveUser string
	Method        AuthMethod
}

// ActingUser returns the user commands are performed as.
func (r AuthResult) ActingUser() string {
	if r.EffectiveUser != "" {
		return r.EffectiveUser
	}

	return r.User
}

// AuthSession drives the authentication handshake of one connection.
//
// Trusted authentication (AUTOAUTH) is tried first; if the server refuses it,
// a salt is requested and up to MaxPasswordAttempts salted password digests
// are sent. Once authenticated, Authenticate returns the cached result
// without further traffic.
type AuthSession struct {
	conv         *conversation
	username     string
	passwordFunc PasswordFunc
	logger       logger.Logger

	mu      sync.Mutex
	state   AuthState
	result  AuthResult
	lastErr error
}

func newAuthSession(conv *conversation, username string, fn PasswordFunc, l logger.Logger) *AuthSession {
	return &AuthSession{
		conv:         conv,
		username:     username,
		passwordFunc: fn,
		logger:       l,
	}
}

// State returns the current state.
func (s *AuthSession) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Authenticated reports whether the session is authenticated.
func (s *AuthSession) Authenticated() bool {
	st := s.State()
	return st == AuthAuthenticated || st == AuthEffectiveUserSet
}

// Result returns the result of a successful authentication.
func (s *AuthSession) Result() AuthResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.result
}

// Authenticate runs the handshake. A failed session stays failed.
func (s *AuthSession) Authenticate(ctx context.Context) (AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case AuthAuthenticated, AuthEffectiveUserSet:
		return s.result, nil
	case AuthFailed:
		return AuthResult{}, s.lastErr
	}

	result, err := s.authenticate(ctx)
	if err != nil {
		s.state = AuthFailed
		s.lastErr = err
		s.logger.Warn("authentication failed", "user", s.username, "error", err)

		return AuthResult{}, err
	}

	s.state = AuthAuthenticated
	s.result = result
	s.logger.Info("authenticated", "user", s.username, "method", methodName(result.Method))

	return result, nil
}

func (s *AuthSession) authenticate(ctx context.Context) (AuthResult, error) {
	resp, err := s.conv.exchange(ctx, wire.AutoAuthRequest(s.username))
	if err != nil {
		return AuthResult{}, err
	}
	s.state = AuthAutoAttempted

	switch resp.Code {
	case wire.CodeOK:
		return AuthResult{User: s.username, Method: AuthMethodTrusted}, nil
	case wire.CodeNoUser:
		return AuthResult{}, &AuthError{User: s.username, Err: ErrUnknownUser}
	case wire.CodeForbidden:
		return AuthResult{}, &AuthError{User: s.username, Err: ErrNotPermitted}
	case wire.CodeAuthRequired:
		return s.passwordAuth(ctx)
	default:
		return AuthResult{}, s.conv.unexpected(resp)
	}
}

func (s *AuthSession) passwordAuth(ctx context.Context) (AuthResult, error) {
	if s.passwordFunc == nil {
		return AuthResult{}, &AuthError{User: s.username, Err: ErrNoPasswordSource}
	}

	resp, err := s.conv.exchange(ctx, wire.UserRequest(s.username))
	if err != nil {
		return AuthResult{}, err
	}
	switch resp.Code {
	case wire.CodeSalt:
	case wire.CodeNoUser:
		return AuthResult{}, &AuthError{User: s.username, Err: ErrUnknownUser}
	default:
		return AuthResult{}, s.conv.unexpected(resp)
	}

	salt, ok := wire.ParseSalt(resp)
	if !ok {
		s.logger.Debug("server sent no salt", "response", resp.Line)
	}
	s.state = AuthPasswordChallenge

	for attempt := 1; attempt <= MaxPasswordAttempts; attempt++ {
		password, err := s.passwordFunc(s.username)
		if err != nil {
			return AuthResult{}, fmt.Errorf("client: read password: %w", err)
		}

		s.conv.metrics.incPasswordAttemptCount()
		resp, err := s.conv.exchange(ctx, wire.PassRequest(PasswordDigest(s.username, salt, password)))
		if err != nil {
			return AuthResult{}, err
		}

		switch resp.Code {
		case wire.CodeOK:
			return AuthResult{User: s.username, Method: AuthMethodPassword}, nil
		case wire.CodeAuthRequired:
			s.logger.Debug("password refused", "user", s.username, "attempt", attempt)
			continue
		case wire.CodeNoUser:
			return AuthResult{}, &AuthError{User: s.username, Err: ErrUnknownUser}
		case wire.CodeForbidden:
			return AuthResult{}, &AuthError{User: s.username, Err: ErrNotPermitted}
		default:
			return AuthResult{}, s.conv.unexpected(resp)
		}
	}

	return AuthResult{}, &AuthError{User: s.username, Err: ErrInvalidCredentials}
}

// SetEffectiveUser makes subsequent commands act as name. The session must
// be authenticated and the authenticated user needs the coke or admin flag.
func (s *AuthSession) SetEffectiveUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AuthAuthenticated && s.state != AuthEffectiveUserSet {
		return &CommandError{Command: wire.CmdSetEUser, Err: ErrNotAuthenticated}
	}
	if !wire.ValidToken(name) {
		return fmt.Errorf("%w: user %q", ErrInvalidArgument, name)
	}

	resp, err := s.conv.exchange(ctx, wire.SetEUserRequest(name))
	if err != nil {
		return err
	}

	switch resp.Code {
	case wire.CodeOK:
		s.state = AuthEffectiveUserSet
		s.result.EffectiveUser = name
		s.logger.Info("effective user set", "user", s.username, "effective_user", name)

		return nil
	case wire.CodeForbidden:
		return &AuthError{User: s.username, Err: ErrNotPermitted}
	case wire.CodeNoUser:
		return &AuthError{User: name, Err: ErrUnknownUser}
	default:
		return s.conv.unexpected(resp)
	}
}

// PasswordDigest returns hex(SHA1(username ++ salt ++ SHA1(password))),
// the proof sent with PASS. The inner digest is used in raw binary form.
func PasswordDigest(username, salt, password string) string {
	inner := sha1.Sum([]byte(password)) //nolint:gosec

	return wire.SaltedDigest(username, salt, inner[:])
}

func methodName(m AuthMethod) string {
	switch m {
	case AuthMethodTrusted:
		return "trusted"
	case AuthMethodPassword:
		return "password"
	default:
		return "none"
	}
}
