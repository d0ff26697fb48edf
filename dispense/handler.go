package dispense

import "context"

// Availability is the answer of Handler.CanDispense.
type Availability int

const (
	// Available means the item can be dispensed right now.
	Available Availability = iota
	// Unavailable means the item is known to be empty, the device is
	// disconnected or the user lacks the permission.
	Unavailable
	// Unknown means the item id is invalid or its state could not be determined.
	Unknown
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ItemStatus converts the availability into a catalog status.
func (a Availability) ItemStatus() ItemStatus {
	switch a {
	case Available:
		return ItemAvailable
	case Unavailable:
		return ItemSoldOut
	default:
		return ItemError
	}
}

// Handler is the contract between the server and a device serving one item type.
//
// CanDispense must be fast and free of side effects; it may only consult
// cached state. DoDispense actuates the device and may block on hardware.
// A nil error from DoDispense means the device reported success, which is not
// proof that an item physically left the machine.
type Handler interface {
	// Name returns the item type served by the handler, e.g. "coke".
	Name() string
	// Init connects to the device. A handler whose Init fails stays registered
	// and reports Unavailable.
	Init(ctx context.Context) error
	// CanDispense reports whether item id can be dispensed to user.
	CanDispense(user User, id int) Availability
	// DoDispense dispenses item id for user.
	DoDispense(ctx context.Context, user User, id int) error
}

// SlotReporter is implemented by handlers exposing per-slot state for status pages.
type SlotReporter interface {
	SlotStatuses() []SlotState
}

// SlotState is the reported state of one device slot.
type SlotState struct {
	Slot   int    `json:"slot"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}
