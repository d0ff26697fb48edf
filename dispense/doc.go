// Package dispense defines the domain model shared by the dispense client,
// server and device handlers: items and their status, users and their
// permission flags, the device handler contract, the handler registry and
// the ledger capability handlers rely on.
//
// A handler serves one item type (for example "coke" or "door"). The server
// consults CanDispense before charging anyone and calls DoDispense to
// actuate the device:
//
//	reg := dispense.NewRegistry(logger)
//	_ = reg.Register(cokeHandler)
//	_ = reg.Register(doorHandler)
//	reg.InitAll(ctx)
//
//	h, ok := reg.Lookup("coke")
//	if ok && h.CanDispense(user, 3) == dispense.Available {
//	    err := h.DoDispense(ctx, user, 3)
//	    ...
//	}
package dispense
