package dispense

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceTimeout is the kind of a DeviceError raised when the device stopped answering.
	ErrDeviceTimeout = errors.New("dispense: device timeout")
	// ErrDeviceUnavailable is the kind of a DeviceError raised when the device
	// could not be driven at all; nothing was dispensed.
	ErrDeviceUnavailable = errors.New("dispense: device unavailable")
	// ErrDeviceReportedFailure is the kind of a DeviceError raised when the device
	// answered the dispense command with something other than success.
	ErrDeviceReportedFailure = errors.New("dispense: device reported failure")
	// ErrRelockFailed means a door was unlocked but the re-lock command failed.
	// This is a physical security fault and must be raised to an operator.
	ErrRelockFailed = errors.New("dispense: door re-lock failed")
	// ErrBadItem is returned for an item id the handler does not serve.
	ErrBadItem = errors.New("dispense: bad item")
	// ErrNotPermitted is returned when the user lacks the flag the handler requires.
	ErrNotPermitted = errors.New("dispense: not permitted")
)

// DeviceError describes a failure while driving a device.
// errors.Is matches its Kind sentinel and the wrapped cause.
type DeviceError struct {
	Kind    error
	Handler string
	Slot    int
	Reply   string
	Err     error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s: %s slot %d", e.Kind, e.Handler, e.Slot)
	if e.Reply != "" {
		msg += fmt.Sprintf(": reply %q", e.Reply)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Attempted reports whether the dispense command reached the device,
// i.e. whether something may physically have happened.
func (e *DeviceError) Attempted() bool {
	return !errors.Is(e.Kind, ErrDeviceUnavailable)
}

// NewDeviceError creates a DeviceError of the given kind.
func NewDeviceError(kind error, handler string, slot int, reply string, cause error) *DeviceError {
	return &DeviceError{Kind: kind, Handler: handler, Slot: slot, Reply: reply, Err: cause}
}
