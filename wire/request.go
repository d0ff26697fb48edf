package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/go-dispense/dispense"
)

// Request commands.
const (
	CmdAutoAuth  = "AUTOAUTH"
	CmdUser      = "USER"
	CmdPass      = "PASS"
	CmdSetEUser  = "SETEUSER"
	CmdEnumItems = "ENUM_ITEMS"
	CmdItemInfo  = "ITEM_INFO"
	CmdDispense  = "DISPENSE"
	CmdUserInfo  = "USER_INFO"
	CmdAdd       = "ADD"
	CmdSet       = "SET"
	CmdGive      = "GIVE"
	CmdDonate    = "DONATE"
	CmdEnumUsers = "ENUM_USERS"
	CmdUserAdd   = "USER_ADD"
	CmdUserFlags = "USER_FLAGS"
)

// Arguments of ENUM_USERS.
const (
	MinBalanceArg = "min_balance:"
	MaxBalanceArg = "max_balance:"
)

// Request is one command line: a command followed by space separated arguments.
// Free text such as a reason is the tail of the line and may contain spaces.
type Request struct {
	Command string
	Args    []string
}

// NewRequest creates a request.
func NewRequest(cmd string, args ...string) Request {
	return Request{Command: cmd, Args: args}
}

// String encodes the request without the trailing newline.
func (r Request) String() string {
	if len(r.Args) == 0 {
		return r.Command
	}

	return r.Command + " " + strings.Join(r.Args, " ")
}

// Arg returns argument i, or "" if absent.
func (r Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}

	return r.Args[i]
}

// Tail returns the arguments from i on, joined by single spaces.
func (r Request) Tail(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}

	return strings.Join(r.Args[i:], " ")
}

// ParseRequest splits a received command line. The command is upper-cased.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty line", ErrInvalidRequest)
	}

	return Request{Command: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

// ValidToken reports whether s can be sent as a single request argument.
func ValidToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

func AutoAuthRequest(user string) Request { return NewRequest(CmdAutoAuth, user) }

func UserRequest(user string) Request { return NewRequest(CmdUser, user) }

func PassRequest(digest string) Request { return NewRequest(CmdPass, digest) }

func SetEUserRequest(user string) Request { return NewRequest(CmdSetEUser, user) }

func EnumItemsRequest() Request { return NewRequest(CmdEnumItems) }

func ItemInfoRequest(ref dispense.ItemRef) Request { return NewRequest(CmdItemInfo, ref.String()) }

func DispenseRequest(ref dispense.ItemRef) Request { return NewRequest(CmdDispense, ref.String()) }

func UserInfoRequest(user string) Request { return NewRequest(CmdUserInfo, user) }

func UserAddRequest(user string) Request { return NewRequest(CmdUserAdd, user) }

func UserFlagsRequest(user, spec string) Request { return NewRequest(CmdUserFlags, user, spec) }

// AddRequest adjusts user's balance by delta cents.
func AddRequest(user string, delta int, reason string) Request {
	return withReason(NewRequest(CmdAdd, user, strconv.Itoa(delta)), reason)
}

// SetRequest sets user's balance to balance cents.
func SetRequest(user string, balance int, reason string) Request {
	return withReason(NewRequest(CmdSet, user, strconv.Itoa(balance)), reason)
}

// GiveRequest transfers amount cents to user.
func GiveRequest(user string, amount int, reason string) Request {
	return withReason(NewRequest(CmdGive, user, strconv.Itoa(amount)), reason)
}

// DonateRequest donates amount cents to the house.
func DonateRequest(amount int, reason string) Request {
	return withReason(NewRequest(CmdDonate, strconv.Itoa(amount)), reason)
}

// EnumUsersRequest lists users, optionally bounded by balance. Nil bounds are omitted.
func EnumUsersRequest(minBalance, maxBalance *int) Request {
	req := NewRequest(CmdEnumUsers)
	if minBalance != nil {
		req.Args = append(req.Args, MinBalanceArg+strconv.Itoa(*minBalance))
	}
	if maxBalance != nil {
		req.Args = append(req.Args, MaxBalanceArg+strconv.Itoa(*maxBalance))
	}

	return req
}

func withReason(req Request, reason string) Request {
	reason = strings.Join(strings.Fields(reason), " ")
	if reason != "" {
		req.Args = append(req.Args, reason)
	}

	return req
}
