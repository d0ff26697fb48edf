// Package client implements the dispense protocol client: connection setup
// with an optional privileged source port, the authentication handshake and
// the command set of the dispense server.
//
// Commands are strictly request/response; a Client runs one command at a time.
//
//	cfg, _ := client.NewClientConfig("dispense.example.net", wire.DefaultPort,
//	    client.WithPasswordFunc(promptPassword))
//	c, err := client.Dial(ctx, cfg)
//	if err != nil { ... }
//	defer c.Close()
//
//	if _, err := c.Authenticate(ctx); err != nil { ... }
//	err = c.Dispense(ctx, dispense.ItemRef{Type: "coke", ID: 6})
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// Client is a session with a dispense server.
type Client struct {
	cfg     *ClientConfig
	ch      *wire.LineChannel
	conv    *conversation
	auth    *AuthSession
	logger  logger.Logger
	metrics Metrics

	mu      sync.Mutex // serialises commands
	catalog []dispense.Item
}

// UserFilter bounds EnumUsers by balance. Nil bounds are not applied.
type UserFilter struct {
	MinBalance *int
	MaxBalance *int
}

// Dial connects to the server configured in cfg.
func Dial(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ch, err := wire.NewLineChannel(conn,
		wire.WithReadTimeout(cfg.readTimeout),
		wire.WithMaxLineLength(cfg.maxLineLength),
		wire.WithChannelLogger(cfg.logger),
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return NewClient(ch, cfg), nil
}

// NewClient creates a client over an established line channel.
func NewClient(ch *wire.LineChannel, cfg *ClientConfig) *Client {
	c := &Client{
		cfg:    cfg,
		ch:     ch,
		logger: cfg.logger.With("server", cfg.Addr()),
	}
	c.conv = &conversation{ch: ch, logger: c.logger, metrics: &c.metrics}
	c.auth = newAuthSession(c.conv, cfg.username, cfg.passwordFunc, c.logger)

	return c
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.ch.Close()
}

// Metrics returns the session counters.
func (c *Client) Metrics() *Metrics {
	return &c.metrics
}

// Auth returns the authentication session.
func (c *Client) Auth() *AuthSession {
	return c.auth
}

// Authenticate authenticates the session; see AuthSession.Authenticate.
func (c *Client) Authenticate(ctx context.Context) (AuthResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.auth.Authenticate(ctx)
}

// SetEffectiveUser makes subsequent commands act as name.
func (c *Client) SetEffectiveUser(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.auth.SetEffectiveUser(ctx, name)
}

// FetchCatalog enumerates the items of the server. The cached catalog is
// replaced only when the whole listing was received and parsed.
func (c *Client) FetchCatalog(ctx context.Context) ([]dispense.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conv.exchange(ctx, wire.EnumItemsRequest())
	if err != nil {
		return nil, err
	}
	if resp.Code != wire.CodeArray {
		return nil, c.conv.unexpected(resp)
	}
	count, err := wire.ParseArrayHeader(resp, wire.KeywordItems)
	if err != nil {
		return nil, err
	}

	items := make([]dispense.Item, 0, count)
	for i := 0; i < count; i++ {
		resp, err := c.conv.receive(ctx)
		if err != nil {
			return nil, err
		}
		item, err := wire.ParseItemRecord(resp)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	resp, err = c.conv.receive(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Code != wire.CodeOK {
		return nil, c.conv.unexpected(resp)
	}

	c.catalog = items
	c.logger.Debug("catalog fetched", "count", len(items))

	return c.catalogCopy(), nil
}

// Catalog returns a copy of the last fetched catalog.
func (c *Client) Catalog() []dispense.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.catalogCopy()
}

func (c *Client) catalogCopy() []dispense.Item {
	items := make([]dispense.Item, len(c.catalog))
	copy(items, c.catalog)

	return items
}

// ItemInfo queries a single item.
func (c *Client) ItemInfo(ctx context.Context, ref dispense.ItemRef) (dispense.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conv.exchange(ctx, wire.ItemInfoRequest(ref))
	if err != nil {
		return dispense.Item{}, err
	}

	switch resp.Code {
	case wire.CodeRecord:
		return wire.ParseItemRecord(resp)
	case wire.CodeBadItem, wire.CodeBadRequest:
		return dispense.Item{}, refusal(wire.CmdItemInfo, resp)
	default:
		return dispense.Item{}, c.conv.unexpected(resp)
	}
}

// Dispense dispenses one item as the acting user. A nil error means the
// server and its device reported success.
func (c *Client) Dispense(ctx context.Context, ref dispense.ItemRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dispense(ctx, ref)
}

// DispenseN dispenses ref count times, stopping at the first failure.
// It returns the number of items dispensed.
func (c *Client) DispenseN(ctx context.Context, ref dispense.ItemRef, count int) (int, error) {
	if count < 1 || count > MaxDispenseCount {
		return 0, fmt.Errorf("%w: count %d out of range [1, %d]", ErrInvalidArgument, count, MaxDispenseCount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < count; i++ {
		if err := c.dispense(ctx, ref); err != nil {
			return i, err
		}
	}

	return count, nil
}

func (c *Client) dispense(ctx context.Context, ref dispense.ItemRef) error {
	if err := c.requireAuth(wire.CmdDispense); err != nil {
		return err
	}
	if c.cfg.dryRun {
		c.logger.Info("dry run, dispense not sent", "item", ref.String())
		return nil
	}

	resp, err := c.conv.exchange(ctx, wire.DispenseRequest(ref))
	if err != nil {
		return err
	}

	switch resp.Code {
	case wire.CodeOK:
		c.logger.Info("dispensed", "item", ref.String(), "user", c.auth.Result().ActingUser())
		return nil
	case wire.CodeAuthRequired, wire.CodeNoBalance, wire.CodeForbidden, wire.CodeBadItem, wire.CodeBadRequest:
		return refusal(wire.CmdDispense, resp)
	case wire.CodeDispenseFailed:
		return dispense.NewDeviceError(dispense.ErrDeviceReportedFailure, ref.Type, ref.ID, resp.Line, nil)
	case wire.CodeNotPossible:
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, ref.Type, ref.ID, resp.Line, nil)
	default:
		return c.conv.unexpected(resp)
	}
}

// UserInfo returns the account record of name.
func (c *Client) UserInfo(ctx context.Context, name string) (dispense.User, error) {
	if !wire.ValidToken(name) {
		return dispense.User{}, fmt.Errorf("%w: user %q", ErrInvalidArgument, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conv.exchange(ctx, wire.UserInfoRequest(name))
	if err != nil {
		return dispense.User{}, err
	}

	switch resp.Code {
	case wire.CodeRecord:
		return wire.ParseUserRecord(resp)
	case wire.CodeNoUser, wire.CodeBadRequest:
		return dispense.User{}, refusal(wire.CmdUserInfo, resp)
	default:
		return dispense.User{}, c.conv.unexpected(resp)
	}
}

// AdjustBalance adds delta cents to name's balance. It requires the coke flag.
func (c *Client) AdjustBalance(ctx context.Context, name string, delta int, reason string) error {
	if delta == 0 {
		return fmt.Errorf("%w: zero adjustment", ErrInvalidArgument)
	}
	if err := checkUserAndReason(name, reason); err != nil {
		return err
	}

	return c.simple(ctx, wire.AddRequest(name, delta, reason),
		wire.CodeNoBalance, wire.CodeForbidden, wire.CodeNoUser)
}

// SetBalance sets name's balance to balance cents. It requires the admin flag.
func (c *Client) SetBalance(ctx context.Context, name string, balance int, reason string) error {
	if err := checkUserAndReason(name, reason); err != nil {
		return err
	}

	return c.simple(ctx, wire.SetRequest(name, balance, reason),
		wire.CodeForbidden, wire.CodeNoUser)
}

// Give transfers amount cents from the acting user to name.
func (c *Client) Give(ctx context.Context, name string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if err := checkUserAndReason(name, reason); err != nil {
		return err
	}

	return c.simple(ctx, wire.GiveRequest(name, amount, reason),
		wire.CodeNoBalance, wire.CodeForbidden, wire.CodeNoUser)
}

// Donate transfers amount cents from the acting user to the house.
func (c *Client) Donate(ctx context.Context, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	return c.simple(ctx, wire.DonateRequest(amount, reason), wire.CodeNoBalance, wire.CodeForbidden)
}

// AddUser creates an account. It requires the admin flag.
func (c *Client) AddUser(ctx context.Context, name string) error {
	if !wire.ValidToken(name) {
		return fmt.Errorf("%w: user %q", ErrInvalidArgument, name)
	}

	err := c.simple(ctx, wire.UserAddRequest(name), wire.CodeForbidden, wire.CodeNoUser)

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == wire.CodeNoUser {
		cmdErr.Err = ErrUserExists
	}

	return err
}

// SetUserFlags applies a flag spec such as "coke,-admin" to name. It requires the admin flag.
func (c *Client) SetUserFlags(ctx context.Context, name, spec string) error {
	if !wire.ValidToken(name) {
		return fmt.Errorf("%w: user %q", ErrInvalidArgument, name)
	}
	if !wire.ValidToken(spec) {
		return fmt.Errorf("%w: flags %q", ErrInvalidArgument, spec)
	}

	return c.simple(ctx, wire.UserFlagsRequest(name, spec),
		wire.CodeForbidden, wire.CodeNoUser, wire.CodeBadFlags)
}

// EnumUsers lists the accounts within filter.
func (c *Client) EnumUsers(ctx context.Context, filter UserFilter) ([]dispense.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conv.exchange(ctx, wire.EnumUsersRequest(filter.MinBalance, filter.MaxBalance))
	if err != nil {
		return nil, err
	}
	switch resp.Code {
	case wire.CodeArray:
	case wire.CodeBadRequest:
		return nil, refusal(wire.CmdEnumUsers, resp)
	default:
		return nil, c.conv.unexpected(resp)
	}
	count, err := wire.ParseArrayHeader(resp, wire.KeywordUsers)
	if err != nil {
		return nil, err
	}

	users := make([]dispense.User, 0, count)
	for {
		resp, err := c.conv.receive(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Code == wire.CodeOK {
			break
		}
		u, err := wire.ParseUserRecord(resp)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if len(users) != count {
		c.logger.Warn("user count mismatch", "announced", count, "received", len(users))
	}

	return users, nil
}

// simple runs a mutating command answered by "200" or one of the refusal codes.
func (c *Client) simple(ctx context.Context, req wire.Request, refusals ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireAuth(req.Command); err != nil {
		return err
	}
	if c.cfg.dryRun {
		c.logger.Info("dry run, command not sent", "command", req.Command)
		return nil
	}

	resp, err := c.conv.exchange(ctx, req)
	if err != nil {
		return err
	}
	if resp.Code == wire.CodeOK {
		return nil
	}
	if resp.Code == wire.CodeAuthRequired || resp.Code == wire.CodeBadRequest {
		return refusal(req.Command, resp)
	}
	for _, code := range refusals {
		if resp.Code == code {
			return refusal(req.Command, resp)
		}
	}

	return c.conv.unexpected(resp)
}

func (c *Client) requireAuth(cmd string) error {
	if !c.auth.Authenticated() {
		return &CommandError{Command: cmd, Err: ErrNotAuthenticated}
	}

	return nil
}

func checkUserAndReason(name, reason string) error {
	if !wire.ValidToken(name) {
		return fmt.Errorf("%w: user %q", ErrInvalidArgument, name)
	}
	if len(reason) == 0 {
		return fmt.Errorf("%w: a reason is required", ErrInvalidArgument)
	}

	return nil
}

// refusal maps a refusal response to a CommandError.
func refusal(cmd string, resp *wire.Response) error {
	var kind error
	switch resp.Code {
	case wire.CodeAuthRequired:
		kind = ErrNotAuthenticated
	case wire.CodeNoBalance:
		kind = ErrInsufficientBalance
	case wire.CodeForbidden:
		kind = ErrNotPermitted
	case wire.CodeNoUser:
		kind = ErrUnknownUser
	case wire.CodeBadItem:
		kind = ErrBadItem
	case wire.CodeBadFlags:
		kind = ErrInvalidFlags
	default:
		kind = ErrBadRequest
	}

	return &CommandError{Command: cmd, Code: resp.Code, Line: resp.Line, Err: kind}
}
