package dispense

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFlag is returned for an unknown flag name in a flag spec.
var ErrInvalidFlag = errors.New("dispense: invalid flag")

// Flags is the permission set of a user.
type Flags uint32

const (
	// FlagUser marks an ordinary user account.
	FlagUser Flags = 1 << iota
	// FlagCoke allows managing other users' balances.
	FlagCoke
	// FlagAdmin allows administering users and setting balances.
	FlagAdmin
	// FlagDisabled blocks the account from purchasing.
	FlagDisabled
	// FlagDoor allows opening the door.
	FlagDoor
	// FlagInternal marks house accounts, which may go negative.
	FlagInternal
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagUser, "user"},
	{FlagCoke, "coke"},
	{FlagAdmin, "admin"},
	{FlagDisabled, "disabled"},
	{FlagDoor, "door"},
	{FlagInternal, "internal"},
}

func lookupFlag(name string) (Flags, bool) {
	name = strings.ToLower(name)
	if name == "doorgroup" {
		return FlagDoor, true
	}
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}

	return 0, false
}

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String returns the comma separated flag names, e.g. "user,coke".
func (f Flags) String() string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}

	return strings.Join(names, ",")
}

// ParseFlags parses a comma separated list of flag names. An empty string is no flags.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		flag, ok := lookupFlag(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFlag, name)
		}
		f |= flag
	}

	return f, nil
}

// ParseFlagSpec parses a flag change spec such as "coke,-admin,!disabled".
// A name prefixed with '-' or '!' is cleared, any other name is set.
func ParseFlagSpec(spec string) (set Flags, unset Flags, err error) {
	if strings.TrimSpace(spec) == "" {
		return 0, 0, fmt.Errorf("%w: empty spec", ErrInvalidFlag)
	}

	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		remove := false
		if tok[0] == '-' || tok[0] == '!' {
			remove = true
			tok = tok[1:]
		} else if tok[0] == '+' {
			tok = tok[1:]
		}
		flag, ok := lookupFlag(tok)
		if !ok {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidFlag, tok)
		}
		if remove {
			unset |= flag
		} else {
			set |= flag
		}
	}

	return set, unset, nil
}

// Apply returns f with set added and unset removed.
func (f Flags) Apply(set, unset Flags) Flags {
	return (f &^ unset) | set
}
