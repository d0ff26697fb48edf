// Package door drives the door strike relay and serves the "door" item type.
//
// The relay sits behind a modem-style serial line: "ATH1" asserts the relay
// and unlocks the door, "ATH0" releases it. A dispense unlocks the door,
// holds it open for a fixed delay and locks it again.
package door

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/internal/pool"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/metrics"
	"github.com/arloliu/go-dispense/serial"
)

const (
	// HandlerName is the item type served by the handler.
	HandlerName = "door"

	// ItemID is the only item the handler serves.
	ItemID = 0

	// DefaultDevice is the tty of the door relay.
	DefaultDevice = "/dev/ttyS3"

	DefaultUnlockDelay = 5 * time.Second
	MinUnlockDelay     = 0
	MaxUnlockDelay     = 60 * time.Second

	unlockCommand = "ATH1\n"
	lockCommand   = "ATH0\n"
)

// Handler is the door dispense handler.
type Handler struct {
	mu sync.Mutex // device lock

	device      string
	baudRate    int
	opener      serial.Opener
	unlockDelay time.Duration
	ledger      dispense.Ledger

	hold    func(time.Duration)
	logger  logger.Logger
	metrics *metrics.DeviceMetrics
}

var _ dispense.Handler = (*Handler)(nil)

// Option is a functional option for configuring a Handler.
type Option interface {
	apply(*Handler) error
}

type optFunc func(*Handler) error

func (f optFunc) apply(h *Handler) error { return f(h) }

// WithDevice sets the relay tty and its baud rate.
func WithDevice(path string, baud int) Option {
	return optFunc(func(h *Handler) error {
		if path == "" {
			return errors.New("door: device path must not be empty")
		}
		h.device, h.baudRate = path, baud

		return nil
	})
}

// WithOpener replaces the function used to open the relay tty.
func WithOpener(open serial.Opener) Option {
	return optFunc(func(h *Handler) error {
		if open == nil {
			return errors.New("door: opener must not be nil")
		}
		h.opener = open

		return nil
	})
}

// WithUnlockDelay sets how long the door stays unlocked.
func WithUnlockDelay(d time.Duration) Option {
	return optFunc(func(h *Handler) error {
		if d < MinUnlockDelay || d > MaxUnlockDelay {
			return fmt.Errorf("door: unlock delay %s out of range [%s, %s]", d, time.Duration(MinUnlockDelay), time.Duration(MaxUnlockDelay))
		}
		h.unlockDelay = d

		return nil
	})
}

// WithLedger sets the ledger used to re-check the door flag before unlocking.
// Without one, the flags of the user passed to DoDispense are trusted.
func WithLedger(l dispense.Ledger) Option {
	return optFunc(func(h *Handler) error {
		h.ledger = l
		return nil
	})
}

// WithLogger sets the logger of the handler.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(h *Handler) error {
		if l == nil {
			return errors.New("door: logger must not be nil")
		}
		h.logger = l

		return nil
	})
}

// WithMetrics sets the device metrics. Nil disables them.
func WithMetrics(m *metrics.DeviceMetrics) Option {
	return optFunc(func(h *Handler) error {
		h.metrics = m
		return nil
	})
}

// New creates a door handler.
func New(opts ...Option) (*Handler, error) {
	h := &Handler{
		device:      DefaultDevice,
		baudRate:    serial.DefaultBaudRate,
		opener:      serial.Open,
		unlockDelay: DefaultUnlockDelay,
		hold:        pool.Hold,
		logger:      logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(h); err != nil {
			return nil, err
		}
	}
	h.logger = h.logger.With("handler", HandlerName)

	return h, nil
}

// Name returns "door".
func (h *Handler) Name() string {
	return HandlerName
}

// Init does nothing: the relay tty is opened for each dispense.
func (h *Handler) Init(_ context.Context) error {
	h.logger.Info("door handler ready", "device", h.device, "unlock_delay", h.unlockDelay)
	return nil
}

// CanDispense reports Available to members of the door group.
func (h *Handler) CanDispense(user dispense.User, id int) dispense.Availability {
	if id != ItemID {
		return dispense.Unknown
	}
	if !user.Flags.Has(dispense.FlagDoor) {
		return dispense.Unavailable
	}

	return dispense.Available
}

// DoDispense unlocks the door for the unlock delay. The delay is not
// cancellable and the lock command is always attempted once the relay tty
// is open, even when the unlock command failed. A failed lock command
// returns a DeviceError of kind dispense.ErrRelockFailed.
func (h *Handler) DoDispense(ctx context.Context, user dispense.User, id int) error {
	if id != ItemID {
		return fmt.Errorf("%w: door item %d", dispense.ErrBadItem, id)
	}
	if err := h.checkMember(ctx, user); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	link, err := serial.OpenLink(h.opener, h.device, h.baudRate, serial.WithLogger(h.logger))
	if err != nil {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultNotReady)
		h.logger.Warn("cannot open relay", "device", h.device, "error", err)

		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, id, "", err)
	}
	defer func() { _ = link.Close() }()

	unlockErr := link.Writef(unlockCommand)
	if unlockErr != nil {
		h.logger.Warn("unlock command failed", "user", user.Name, "error", unlockErr)
	} else {
		h.logger.Info("door unlocked", "user", user.Name)
		h.hold(h.unlockDelay)
	}

	if err := link.Writef(lockCommand); err != nil {
		h.metrics.IncRelockFailure(HandlerName)
		h.metrics.ObserveDispense(HandlerName, metrics.ResultFailed)
		h.logger.Error("DOOR NOT RE-LOCKED: lock command failed", "device", h.device, "user", user.Name, "error", err)

		return dispense.NewDeviceError(dispense.ErrRelockFailed, HandlerName, id, "", errors.Join(err, unlockErr))
	}

	if unlockErr != nil {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultFailed)
		return dispense.NewDeviceError(dispense.ErrDeviceReportedFailure, HandlerName, id, "", unlockErr)
	}

	h.metrics.ObserveDispense(HandlerName, metrics.ResultOK)
	h.logger.Info("door locked", "user", user.Name)

	return nil
}

func (h *Handler) checkMember(ctx context.Context, user dispense.User) error {
	flags := user.Flags
	if h.ledger != nil {
		f, err := h.ledger.GetFlags(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("door: flags of %s: %w", user.Name, err)
		}
		flags = f
	}
	if !flags.Has(dispense.FlagDoor) {
		return fmt.Errorf("%w: %s is not in the door group", dispense.ErrNotPermitted, user.Name)
	}

	return nil
}
