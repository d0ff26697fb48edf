// Package coke drives the coke machine controller over a serial link and
// serves the "coke" item type.
//
// The controller speaks a line protocol: it prints a ':' prompt when ready,
// echoes every command, answers "d<slot>" (dispense) with "ok" on success,
// "s" with one "slot <n> <name>:<full|empty>" line per slot and "s<slot>"
// with the line of a single slot. Every exchange with the controller, the
// dispense sequence and the periodic status refresh alike, runs under one
// device lock, so the controller never sees interleaved commands.
package coke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/internal/task"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/metrics"
	"github.com/arloliu/go-dispense/serial"
)

const (
	// HandlerName is the item type served by the handler.
	HandlerName = "coke"

	// DefaultRefreshInterval is the period of the background status refresh.
	DefaultRefreshInterval = 60 * time.Second

	// readyAttempts bounds the waits for a prompt before a command.
	readyAttempts = 3

	// wakeSlot is a slot that does not exist; dispensing it is harmless and
	// makes the controller print a fresh prompt.
	wakeSlot = SlotCount

	// maxSkippedLines bounds the echo and blank lines skipped before a reply.
	maxSkippedLines = 8
)

var (
	// ErrNotConnected is returned when the controller link is not open.
	ErrNotConnected = errors.New("coke: controller not connected")
	// ErrNotReady is returned when the controller did not print a prompt.
	ErrNotReady = errors.New("coke: controller not ready")
)

// DefaultSlotNames are the names written to the controller on Init.
var DefaultSlotNames = [SlotCount]string{"Slot0", "Slot1", "Slot2", "Slot3", "Slot4", "Slot5", "Coke"}

// Handler is the coke machine dispense handler.
type Handler struct {
	mu   sync.Mutex // device lock; guards link and every exchange
	link *serial.Link

	// mirrors link != nil so CanDispense never waits on the device lock
	connected atomic.Bool

	device   string
	baudRate int
	opener   serial.Opener
	linkOpts []serial.LinkOption

	cache           *StatusCache
	slotNames       [SlotCount]string
	refreshInterval time.Duration
	taskMgr         *task.Manager

	logger  logger.Logger
	metrics *metrics.DeviceMetrics
}

var (
	_ dispense.Handler      = (*Handler)(nil)
	_ dispense.SlotReporter = (*Handler)(nil)
)

// Option is a functional option for configuring a Handler.
type Option interface {
	apply(*Handler) error
}

type optFunc func(*Handler) error

func (f optFunc) apply(h *Handler) error { return f(h) }

// WithDevice sets the serial device opened by Init.
func WithDevice(path string, baud int) Option {
	return optFunc(func(h *Handler) error {
		if path == "" {
			return errors.New("coke: device path must not be empty")
		}
		h.device, h.baudRate = path, baud

		return nil
	})
}

// WithOpener replaces the function used to open the serial device.
func WithOpener(open serial.Opener) Option {
	return optFunc(func(h *Handler) error {
		if open == nil {
			return errors.New("coke: opener must not be nil")
		}
		h.opener = open

		return nil
	})
}

// WithLink uses an already open link instead of opening a device.
func WithLink(link *serial.Link) Option {
	return optFunc(func(h *Handler) error {
		if link == nil {
			return errors.New("coke: link must not be nil")
		}
		h.link = link

		return nil
	})
}

// WithLinkOptions sets the options of the link opened by Init.
func WithLinkOptions(opts ...serial.LinkOption) Option {
	return optFunc(func(h *Handler) error {
		h.linkOpts = append(h.linkOpts, opts...)
		return nil
	})
}

// WithRefreshInterval sets the background refresh period. Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return optFunc(func(h *Handler) error {
		if d < 0 {
			return errors.New("coke: refresh interval must not be negative")
		}
		h.refreshInterval = d

		return nil
	})
}

// WithSlotNames sets the names written to the controller on Init.
func WithSlotNames(names []string) Option {
	return optFunc(func(h *Handler) error {
		if len(names) > SlotCount {
			return fmt.Errorf("coke: %d slot names given, machine has %d slots", len(names), SlotCount)
		}
		for i, name := range names {
			if name == "" || strings.ContainsAny(name, ":\r\n") {
				return fmt.Errorf("coke: invalid name %q for slot %d", name, i)
			}
			h.slotNames[i] = name
		}

		return nil
	})
}

// WithLogger sets the logger of the handler.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(h *Handler) error {
		if l == nil {
			return errors.New("coke: logger must not be nil")
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

// New creates a coke handler. Nothing is opened until Init.
func New(opts ...Option) (*Handler, error) {
	h := &Handler{
		baudRate:        serial.DefaultBaudRate,
		opener:          serial.Open,
		cache:           NewStatusCache(),
		slotNames:       DefaultSlotNames,
		refreshInterval: DefaultRefreshInterval,
		logger:          logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(h); err != nil {
			return nil, err
		}
	}
	h.logger = h.logger.With("handler", HandlerName)
	h.connected.Store(h.link != nil)

	return h, nil
}

// Name returns "coke".
func (h *Handler) Name() string {
	return HandlerName
}

// Cache returns the slot status cache.
func (h *Handler) Cache() *StatusCache {
	return h.cache
}

// Init opens the controller link, writes the slot names, performs the first
// refresh and starts the periodic refresh, which runs until ctx is done or
// Close is called. A failed name reset or refresh is logged; only a link
// that cannot be opened fails Init.
func (h *Handler) Init(ctx context.Context) error {
	h.mu.Lock()
	if h.link == nil {
		if h.device == "" {
			h.mu.Unlock()
			return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, -1, "", ErrNotConnected)
		}
		link, err := serial.OpenLink(h.opener, h.device, h.baudRate, append([]serial.LinkOption{serial.WithLogger(h.logger)}, h.linkOpts...)...)
		if err != nil {
			h.mu.Unlock()
			h.logger.Warn("cannot open controller", "device", h.device, "error", err)

			return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, -1, "", err)
		}
		h.link = link
		h.connected.Store(true)
	}

	for i, name := range h.slotNames {
		if err := h.ensureReady(); err != nil {
			h.logger.Warn("cannot set slot name", "slot", i, "error", err)
			break
		}
		if err := h.link.Writef("n%d %s\r\n", i, name); err != nil {
			h.logger.Warn("cannot set slot name", "slot", i, "error", err)
			break
		}
	}
	h.mu.Unlock()

	if err := h.Refresh(ctx); err != nil {
		h.logger.Warn("initial refresh failed", "error", err)
	}

	if h.refreshInterval > 0 && h.taskMgr == nil {
		h.taskMgr = task.NewManager(ctx, h.logger)
		_, err := h.taskMgr.StartInterval("coke-refresh", func() bool {
			if err := h.Refresh(ctx); err != nil {
				h.logger.Warn("periodic refresh failed", "error", err)
			}
			return true
		}, h.refreshInterval, false)
		if err != nil {
			return fmt.Errorf("coke: start refresh task: %w", err)
		}
	}

	return nil
}

// Close stops the periodic refresh and closes the link.
func (h *Handler) Close() error {
	if h.taskMgr != nil {
		h.taskMgr.Stop()
		h.taskMgr.Wait()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.link == nil {
		return nil
	}
	h.connected.Store(false)
	err := h.link.Close()
	h.link = nil

	return err
}

// CanDispense answers from the cache without touching the device.
func (h *Handler) CanDispense(_ dispense.User, id int) dispense.Availability {
	status, ok := h.cache.Get(id)
	if !ok {
		return dispense.Unknown
	}
	if !h.connected.Load() {
		return dispense.Unavailable
	}

	switch status {
	case SlotAvailable:
		return dispense.Available
	case SlotEmpty:
		return dispense.Unavailable
	default:
		return dispense.Unknown
	}
}

// DoDispense dispenses slot id. The cache is not consulted: a slot believed
// empty is still attempted. A nil error means the controller answered "ok",
// which it may also do for a slot that turned out to be empty.
func (h *Handler) DoDispense(_ context.Context, user dispense.User, id int) error {
	if id < 0 || id >= SlotCount {
		return fmt.Errorf("%w: coke slot %d", dispense.ErrBadItem, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.link == nil {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultNotReady)
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, id, "", ErrNotConnected)
	}
	if err := h.ensureReady(); err != nil {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultNotReady)
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, id, "", err)
	}

	cmd := fmt.Sprintf("d%d", id)
	if err := h.link.Writef("%s\r\n", cmd); err != nil {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultNotReady)
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, id, "", err)
	}
	h.logger.Debug("dispense sent", "slot", id, "user", user.Name)

	reply, err := h.readReply(cmd)
	if err != nil {
		h.cache.set(id, SlotError, "")
		h.metrics.SetSlotStatus(HandlerName, id, SlotError.gaugeValue())
		h.metrics.ObserveDispense(HandlerName, metrics.ResultTimeout)
		h.logger.Warn("no reply to dispense", "slot", id, "error", err)

		return dispense.NewDeviceError(dispense.ErrDeviceTimeout, HandlerName, id, "", err)
	}
	if err := h.link.WaitForPrompt(); err != nil {
		h.logger.Debug("no prompt after dispense reply", "slot", id, "error", err)
	}

	var result error
	if reply == "ok" {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultOK)
		h.logger.Info("dispensed", "slot", id, "user", user.Name)
	} else {
		h.metrics.ObserveDispense(HandlerName, metrics.ResultFailed)
		h.logger.Warn("dispense failed", "slot", id, "user", user.Name, "reply", reply)
		result = dispense.NewDeviceError(dispense.ErrDeviceReportedFailure, HandlerName, id, reply, nil)
	}

	h.requerySlot(id)

	return result
}

// Refresh queries the status of all slots. Slots are updated one at a time
// as their lines arrive; if the controller stops answering, slots already
// updated keep their new status and the rest keep their previous one.
func (h *Handler) Refresh(_ context.Context) error {
	start := time.Now()
	err := h.refresh()
	h.metrics.ObserveRefresh(HandlerName, time.Since(start), err)

	return err
}

func (h *Handler) refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.link == nil {
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, -1, "", ErrNotConnected)
	}
	if err := h.ensureReady(); err != nil {
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, -1, "", err)
	}
	if err := h.link.Writef("s\r\n"); err != nil {
		return dispense.NewDeviceError(dispense.ErrDeviceUnavailable, HandlerName, -1, "", err)
	}

	for slot := 0; slot < SlotCount; slot++ {
		var (
			line string
			err  error
		)
		if slot == 0 {
			line, err = h.readReply("s")
		} else {
			line, err = h.readNonEmpty()
		}
		if err != nil {
			h.logger.Warn("refresh interrupted", "slot", slot, "error", err)
			return dispense.NewDeviceError(dispense.ErrDeviceTimeout, HandlerName, slot, "", err)
		}

		h.updateSlot(slot, line)
	}

	h.cache.touch(time.Now())
	h.logger.Debug("refreshed", "slots", h.cache.Snapshot())

	return nil
}

func (h *Handler) requerySlot(slot int) {
	cmd := fmt.Sprintf("s%d", slot)
	if err := h.link.Writef("%s\r\n", cmd); err != nil {
		h.cache.set(slot, SlotError, "")
		return
	}
	line, err := h.readReply(cmd)
	if err != nil {
		h.logger.Warn("slot re-query failed", "slot", slot, "error", err)
		h.cache.set(slot, SlotError, "")
		h.metrics.SetSlotStatus(HandlerName, slot, SlotError.gaugeValue())

		return
	}
	h.updateSlot(slot, line)
}

func (h *Handler) updateSlot(slot int, line string) {
	status, name, ok := parseSlotLine(slot, line)
	if !ok {
		h.logger.Warn("unparsable slot line", "slot", slot, "line", line)
	}
	h.cache.set(slot, status, name)
	h.metrics.SetSlotStatus(HandlerName, slot, status.gaugeValue())
}

// ensureReady waits for the prompt, flushing and poking the controller
// between attempts. Exchanges leave the trailing prompt of the controller
// unread, so a responsive controller passes on the first attempt. The device
// lock must be held.
func (h *Handler) ensureReady() error {
	for attempt := 1; attempt <= readyAttempts; attempt++ {
		err := h.link.WaitForPrompt()
		if err == nil {
			return nil
		}
		h.logger.Debug("controller not ready", "attempt", attempt, "error", err)

		if attempt < readyAttempts {
			_ = h.link.Flush()
			if err := h.link.Writef("d%d\r\n", wakeSlot); err != nil {
				return fmt.Errorf("%w: %w", ErrNotReady, err)
			}
		}
	}

	return ErrNotReady
}

// readReply returns the first line that is neither blank nor the echo of cmd.
func (h *Handler) readReply(cmd string) (string, error) {
	for i := 0; i < maxSkippedLines; i++ {
		line, err := h.link.ReadLine()
		if err != nil {
			return "", err
		}
		trimmed := strings.TrimSpace(strings.TrimLeft(line, ":"))
		if trimmed == "" || trimmed == cmd {
			continue
		}

		return strings.TrimSpace(line), nil
	}

	return "", serial.ErrTimeout
}

func (h *Handler) readNonEmpty() (string, error) {
	for i := 0; i < maxSkippedLines; i++ {
		line, err := h.link.ReadLine()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
	}

	return "", serial.ErrTimeout
}

// SlotStatuses reports the cached status of every slot.
func (h *Handler) SlotStatuses() []dispense.SlotState {
	snap := h.cache.Snapshot()
	states := make([]dispense.SlotState, 0, SlotCount)
	for i, st := range snap {
		states = append(states, dispense.SlotState{Slot: i, Name: h.cache.Name(i), Status: st.String()})
	}

	return states
}
