package dispense

// User is an account as seen by handlers and the protocol.
type User struct {
	ID      int
	Name    string
	Balance int
	Flags   Flags
}

// CanManage reports whether the user may adjust other users' balances.
func (u User) CanManage() bool {
	return u.Flags.Has(FlagCoke) || u.Flags.Has(FlagAdmin)
}

// IsAdmin reports whether the user has the admin flag.
func (u User) IsAdmin() bool {
	return u.Flags.Has(FlagAdmin)
}

// IsDisabled reports whether the account is disabled.
func (u User) IsDisabled() bool {
	return u.Flags.Has(FlagDisabled)
}
