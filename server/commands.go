package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/wire"
)

const (
	saltBytes   = 8
	listEndText = "List end"
)

func status(code int, text ...string) ([]string, int) {
	return []string{wire.FormatStatus(code, strings.Join(text, " "))}, code
}

func (ss *session) dispatch(ctx context.Context, req wire.Request) ([]string, int) {
	switch req.Command {
	case wire.CmdAutoAuth:
		return ss.cmdAutoAuth(ctx, req)
	case wire.CmdUser:
		return ss.cmdUser(ctx, req)
	case wire.CmdPass:
		return ss.cmdPass(ctx, req)
	case wire.CmdSetEUser:
		return ss.cmdSetEUser(ctx, req)
	case wire.CmdEnumItems:
		return ss.cmdEnumItems(ctx, req)
	case wire.CmdItemInfo:
		return ss.cmdItemInfo(ctx, req)
	case wire.CmdDispense:
		return ss.cmdDispense(ctx, req)
	case wire.CmdUserInfo:
		return ss.cmdUserInfo(ctx, req)
	case wire.CmdAdd:
		return ss.cmdAdd(ctx, req)
	case wire.CmdSet:
		return ss.cmdSet(ctx, req)
	case wire.CmdGive:
		return ss.cmdGive(ctx, req)
	case wire.CmdDonate:
		return ss.cmdDonate(ctx, req)
	case wire.CmdEnumUsers:
		return ss.cmdEnumUsers(ctx, req)
	case wire.CmdUserAdd:
		return ss.cmdUserAdd(ctx, req)
	case wire.CmdUserFlags:
		return ss.cmdUserFlags(ctx, req)
	default:
		return status(wire.CodeBadRequest, "Unknown command")
	}
}

// storeFailure maps an unexpected ledger error to a response.
func (ss *session) storeFailure(cmd string, err error) ([]string, int) {
	switch {
	case errors.Is(err, dispense.ErrUnknownUser):
		return status(wire.CodeNoUser)
	case errors.Is(err, dispense.ErrInsufficientBalance):
		return status(wire.CodeNoBalance)
	}
	ss.logger.Error("ledger operation failed", "command", cmd, "error", err)

	return status(wire.CodeDispenseFailed, "Server error")
}

func (ss *session) cmdAutoAuth(ctx context.Context, req wire.Request) ([]string, int) {
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}
	name := req.Arg(0)

	if !ss.trusted {
		ss.srv.cfg.metrics.RecordAuthFailure("trusted")
		ss.logger.Info("autoauth refused from untrusted peer", "user", name, "remote_address", ss.remote)

		return status(wire.CodeAuthRequired, "Autoauth disabled")
	}

	uid, err := ss.srv.accounts.GetUserID(ctx, name)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	u, err := ss.srv.accounts.User(ctx, uid)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if u.IsDisabled() || u.Flags.Has(dispense.FlagInternal) {
		ss.srv.cfg.metrics.RecordAuthFailure("trusted")
		return status(wire.CodeForbidden, "Account disabled")
	}

	ss.login(uid, name)
	ss.logger.Info("authenticated", "user", name, "method", "trusted")

	return status(wire.CodeOK, "Authenticated")
}

func (ss *session) cmdUser(ctx context.Context, req wire.Request) ([]string, int) {
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}

	salt, err := newSalt()
	if err != nil {
		ss.logger.Error("failed to generate salt", "error", err)
		return status(wire.CodeDispenseFailed, "Server error")
	}

	// unknown users get a salt too, the failure surfaces at PASS
	uid, _ := ss.srv.accounts.GetUserID(ctx, req.Arg(0))
	ss.pendingUID, ss.pendingName, ss.salt = uid, req.Arg(0), salt

	return []string{wire.FormatSalt(salt)}, wire.CodeSalt
}

func (ss *session) cmdPass(ctx context.Context, req wire.Request) ([]string, int) {
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}
	if ss.pendingName == "" {
		return status(wire.CodeBadRequest, "Send USER first")
	}

	refuse := func() ([]string, int) {
		ss.failures++
		ss.srv.cfg.metrics.RecordAuthFailure("password")
		ss.logger.Info("password refused", "user", ss.pendingName, "failures", ss.failures)

		return status(wire.CodeAuthRequired, "Bad password")
	}

	if ss.pendingUID == 0 {
		return refuse()
	}
	hash, err := ss.srv.accounts.PasswordHash(ctx, ss.pendingUID)
	if errors.Is(err, ledger.ErrNoPassword) {
		return refuse()
	}
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !wire.DigestEqual(wire.SaltedDigest(ss.pendingName, ss.salt, hash), req.Arg(0)) {
		return refuse()
	}

	u, err := ss.srv.accounts.User(ctx, ss.pendingUID)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if u.IsDisabled() || u.Flags.Has(dispense.FlagInternal) {
		return status(wire.CodeForbidden, "Account disabled")
	}

	ss.login(u.ID, u.Name)
	ss.logger.Info("authenticated", "user", u.Name, "method", "password")

	return status(wire.CodeOK, "Authenticated")
}

func (ss *session) cmdSetEUser(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}

	actor, err := ss.realUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !actor.CanManage() {
		return status(wire.CodeForbidden)
	}

	uid, err := ss.srv.accounts.GetUserID(ctx, req.Arg(0))
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	ss.setEffective(uid, req.Arg(0))
	ss.logger.Info("effective user set", "user", actor.Name, "effective_user", req.Arg(0))

	return status(wire.CodeOK)
}

// guest is the user catalog statuses are computed for before authentication.
var guest = dispense.User{Name: "guest", Flags: dispense.FlagUser}

func (ss *session) viewer(ctx context.Context) dispense.User {
	if !ss.authenticated() {
		return guest
	}
	u, err := ss.actingUser(ctx)
	if err != nil {
		return guest
	}

	return u
}

func (ss *session) item(user dispense.User, ci CatalogItem) dispense.Item {
	return dispense.Item{
		Type:        ci.Ref.Type,
		ID:          ci.Ref.ID,
		Status:      ss.srv.registry.Availability(user, ci.Ref).ItemStatus(),
		Price:       ci.Price,
		Description: ci.Description,
	}
}

func (ss *session) cmdEnumItems(ctx context.Context, _ wire.Request) ([]string, int) {
	user := ss.viewer(ctx)
	items := ss.srv.catalog.Items()

	lines := make([]string, 0, len(items)+2)
	lines = append(lines, wire.FormatArrayHeader(wire.KeywordItems, len(items)))
	for _, ci := range items {
		lines = append(lines, wire.FormatItemRecord(ss.item(user, ci)))
	}
	lines = append(lines, wire.FormatStatus(wire.CodeOK, listEndText))

	return lines, wire.CodeArray
}

func (ss *session) lookupItem(arg string) (CatalogItem, bool) {
	ref, err := dispense.ParseItemRef(arg)
	if err != nil {
		return CatalogItem{}, false
	}

	return ss.srv.catalog.Lookup(ref)
}

func (ss *session) cmdItemInfo(ctx context.Context, req wire.Request) ([]string, int) {
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}
	ci, ok := ss.lookupItem(req.Arg(0))
	if !ok {
		return status(wire.CodeBadItem)
	}

	return []string{wire.FormatItemRecord(ss.item(ss.viewer(ctx), ci))}, wire.CodeRecord
}

func (ss *session) cmdDispense(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}
	ci, ok := ss.lookupItem(req.Arg(0))
	if !ok {
		return status(wire.CodeBadItem)
	}
	h, ok := ss.srv.registry.Lookup(ci.Ref.Type)
	if !ok {
		return status(wire.CodeBadItem)
	}

	// the balance check, the dispense and the charge are one step per user
	unlock := ss.srv.lockUser(ss.euid)
	defer unlock()

	user, err := ss.actingUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if user.IsDisabled() {
		return status(wire.CodeForbidden, "Account disabled")
	}
	if h.CanDispense(user, ci.Ref.ID) != dispense.Available {
		return status(wire.CodeNotPossible)
	}
	if !user.Flags.Has(dispense.FlagInternal) && user.Balance < ci.Price {
		return status(wire.CodeNoBalance)
	}

	if err := h.DoDispense(ctx, user, ci.Ref.ID); err != nil {
		ss.logger.Warn("dispense failed", "item", ci.Ref.String(), "user", user.Name, "error", err)
		switch {
		case errors.Is(err, dispense.ErrNotPermitted):
			return status(wire.CodeForbidden)
		case errors.Is(err, dispense.ErrBadItem):
			return status(wire.CodeBadItem)
		default:
			return status(wire.CodeDispenseFailed)
		}
	}

	if ci.Price > 0 {
		reason := "Dispense - " + ci.Ref.String()
		if ci.Description != "" {
			reason += " " + ci.Description
		}
		if err := ss.srv.accounts.Transfer(ctx, user.ID, ss.srv.house.Sales, ci.Price, reason); err != nil {
			ss.logger.Error("item dispensed but not charged", "item", ci.Ref.String(), "user", user.Name, "price", ci.Price, "error", err)
		} else {
			ss.srv.cfg.metrics.RecordSale(ci.Ref.Type, ci.Price)
		}
	}
	ss.logger.Info("dispensed", "item", ci.Ref.String(), "user", user.Name, "price", ci.Price)

	return status(wire.CodeOK, "Dispense OK")
}

func (ss *session) cmdUserInfo(ctx context.Context, req wire.Request) ([]string, int) {
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}
	uid, err := ss.srv.accounts.GetUserID(ctx, req.Arg(0))
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	u, err := ss.srv.accounts.User(ctx, uid)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}

	return []string{wire.FormatUserRecord(u)}, wire.CodeRecord
}

// amountArgs parses "<user> <amount> <reason...>".
func amountArgs(req wire.Request) (name string, amount int, reason string, ok bool) {
	if len(req.Args) < 3 {
		return "", 0, "", false
	}
	amount, err := strconv.Atoi(req.Arg(1))
	if err != nil {
		return "", 0, "", false
	}

	return req.Arg(0), amount, req.Tail(2), true
}

func (ss *session) cmdAdd(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	name, delta, reason, ok := amountArgs(req)
	if !ok || delta == 0 {
		return status(wire.CodeBadRequest)
	}

	actor, err := ss.realUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !actor.CanManage() {
		return status(wire.CodeForbidden)
	}
	uid, err := ss.srv.accounts.GetUserID(ctx, name)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}

	reason = actor.Name + ": " + reason
	if delta > 0 {
		err = ss.srv.accounts.Transfer(ctx, ss.srv.house.Adjustments, uid, delta, reason)
	} else {
		err = ss.srv.accounts.Transfer(ctx, uid, ss.srv.house.Adjustments, -delta, reason)
	}
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}

	return status(wire.CodeOK)
}

func (ss *session) cmdSet(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	name, balance, reason, ok := amountArgs(req)
	if !ok {
		return status(wire.CodeBadRequest)
	}

	actor, err := ss.realUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !actor.IsAdmin() {
		return status(wire.CodeForbidden)
	}
	uid, err := ss.srv.accounts.GetUserID(ctx, name)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if err := ss.srv.accounts.SetBalance(ctx, uid, balance, actor.Name+": "+reason); err != nil {
		return ss.storeFailure(req.Command, err)
	}

	return status(wire.CodeOK)
}

func (ss *session) cmdGive(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	name, amount, reason, ok := amountArgs(req)
	if !ok || amount <= 0 {
		return status(wire.CodeBadRequest)
	}

	user, err := ss.actingUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if user.IsDisabled() {
		return status(wire.CodeForbidden, "Account disabled")
	}
	uid, err := ss.srv.accounts.GetUserID(ctx, name)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if err := ss.srv.accounts.Transfer(ctx, user.ID, uid, amount, reason); err != nil {
		return ss.storeFailure(req.Command, err)
	}

	return status(wire.CodeOK, "Give OK")
}

func (ss *session) cmdDonate(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	if len(req.Args) < 2 {
		return status(wire.CodeBadRequest)
	}
	amount, err := strconv.Atoi(req.Arg(0))
	if err != nil || amount <= 0 {
		return status(wire.CodeBadRequest)
	}

	user, err := ss.actingUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if user.IsDisabled() {
		return status(wire.CodeForbidden, "Account disabled")
	}
	if err := ss.srv.accounts.Transfer(ctx, user.ID, ss.srv.house.Donations, amount, req.Tail(1)); err != nil {
		return ss.storeFailure(req.Command, err)
	}

	return status(wire.CodeOK, "Donation OK")
}

func (ss *session) cmdEnumUsers(ctx context.Context, req wire.Request) ([]string, int) {
	var filter ledger.Filter
	for _, arg := range req.Args {
		var (
			target **int
			value  string
		)
		switch {
		case strings.HasPrefix(arg, wire.MinBalanceArg):
			target, value = &filter.MinBalance, strings.TrimPrefix(arg, wire.MinBalanceArg)
		case strings.HasPrefix(arg, wire.MaxBalanceArg):
			target, value = &filter.MaxBalance, strings.TrimPrefix(arg, wire.MaxBalanceArg)
		default:
			return status(wire.CodeBadRequest, "Unknown argument")
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return status(wire.CodeBadRequest, "Invalid balance")
		}
		*target = &n
	}

	users, err := ss.srv.accounts.Users(ctx, filter)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}

	lines := make([]string, 0, len(users)+2)
	lines = append(lines, wire.FormatArrayHeader(wire.KeywordUsers, len(users)))
	for _, u := range users {
		lines = append(lines, wire.FormatUserRecord(u))
	}
	lines = append(lines, wire.FormatStatus(wire.CodeOK, listEndText))

	return lines, wire.CodeArray
}

func (ss *session) cmdUserAdd(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	if len(req.Args) != 1 {
		return status(wire.CodeBadRequest)
	}

	actor, err := ss.realUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !actor.IsAdmin() {
		return status(wire.CodeForbidden)
	}

	_, err = ss.srv.accounts.CreateUser(ctx, req.Arg(0), dispense.FlagUser)
	switch {
	case errors.Is(err, ledger.ErrUserExists):
		return status(wire.CodeNoUser, "User already exists")
	case errors.Is(err, ledger.ErrInvalidName):
		return status(wire.CodeBadRequest, "Invalid user name")
	case err != nil:
		return ss.storeFailure(req.Command, err)
	}
	ss.logger.Info("user created", "user", req.Arg(0), "by", actor.Name)

	return status(wire.CodeOK, "User created")
}

func (ss *session) cmdUserFlags(ctx context.Context, req wire.Request) ([]string, int) {
	if !ss.authenticated() {
		return status(wire.CodeAuthRequired)
	}
	if len(req.Args) < 2 {
		return status(wire.CodeBadRequest)
	}

	actor, err := ss.realUser(ctx)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if !actor.IsAdmin() {
		return status(wire.CodeForbidden)
	}

	uid, err := ss.srv.accounts.GetUserID(ctx, req.Arg(0))
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	set, unset, err := dispense.ParseFlagSpec(req.Tail(1))
	if err != nil {
		return status(wire.CodeBadFlags)
	}
	current, err := ss.srv.accounts.GetFlags(ctx, uid)
	if err != nil {
		return ss.storeFailure(req.Command, err)
	}
	if err := ss.srv.accounts.SetFlags(ctx, uid, current.Apply(set, unset)); err != nil {
		return ss.storeFailure(req.Command, err)
	}
	ss.logger.Info("user flags changed", "user", req.Arg(0), "flags", current.Apply(set, unset).String(), "by", actor.Name)

	return status(wire.CodeOK)
}

func newSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
