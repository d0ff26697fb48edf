package coke

import (
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

// SlotCount is the number of slots of the coke machine.
const SlotCount = 7

// SlotStatus is the cached state of one slot.
type SlotStatus int32

const (
	SlotAvailable SlotStatus = iota
	SlotEmpty
	SlotError
)

func (s SlotStatus) String() string {
	switch s {
	case SlotAvailable:
		return "avail"
	case SlotEmpty:
		return "empty"
	default:
		return "error"
	}
}

func (s SlotStatus) gaugeValue() float64 {
	switch s {
	case SlotAvailable:
		return 1
	case SlotEmpty:
		return 0
	default:
		return -1
	}
}

// StatusCache holds the last known status of every slot.
//
// Reads are lock free and may run concurrently with a refresh; they observe
// each slot either before or after its update. Writes happen only while the
// owning Handler holds its device lock.
type StatusCache struct {
	slots       [SlotCount]atomic.Int32
	names       [SlotCount]atomic.Pointer[string]
	lastRefresh atomic.Int64
}

// NewStatusCache returns a cache with every slot in SlotError.
func NewStatusCache() *StatusCache {
	c := &StatusCache{}
	for i := range c.slots {
		c.slots[i].Store(int32(SlotError))
	}

	return c
}

// Get returns the status of slot. ok is false for a slot out of range.
func (c *StatusCache) Get(slot int) (status SlotStatus, ok bool) {
	if slot < 0 || slot >= SlotCount {
		return SlotError, false
	}

	return SlotStatus(c.slots[slot].Load()), true
}

// Name returns the name the controller reported for slot.
func (c *StatusCache) Name(slot int) string {
	if slot < 0 || slot >= SlotCount {
		return ""
	}
	if p := c.names[slot].Load(); p != nil {
		return *p
	}

	return ""
}

// Snapshot returns the status of every slot.
func (c *StatusCache) Snapshot() [SlotCount]SlotStatus {
	var snap [SlotCount]SlotStatus
	for i := range c.slots {
		snap[i] = SlotStatus(c.slots[i].Load())
	}

	return snap
}

// LastRefresh returns the completion time of the last full refresh.
func (c *StatusCache) LastRefresh() time.Time {
	ns := c.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

func (c *StatusCache) set(slot int, status SlotStatus, name string) {
	c.slots[slot].Store(int32(status))
	if name != "" {
		c.names[slot].Store(&name)
	}
}

func (c *StatusCache) touch(t time.Time) {
	c.lastRefresh.Store(t.UnixNano())
}

var slotLineRegexp = regexp.MustCompile(`^slot\s+([0-9]+)\s+([^:]+):([a-zA-Z]+)\s*$`)

// parseSlotLine parses "slot <n> <name>:<state>". full is Available and
// any other state is Empty. A line that does not parse, or that reports a
// different slot than expected, is Error.
func parseSlotLine(expected int, line string) (SlotStatus, string, bool) {
	m := slotLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return SlotError, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n != expected {
		return SlotError, "", false
	}

	if m[3] == "full" {
		return SlotAvailable, m[2], true
	}

	return SlotEmpty, m[2], true
}
