package coke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/serial"
)

var testUser = dispense.User{ID: 1, Name: "alice", Balance: 500, Flags: dispense.FlagUser}

func newTestHandler(t *testing.T, sim *simController, opts ...Option) *Handler {
	t.Helper()

	link, err := serial.NewLink(sim, serial.WithCharTimeout(10*time.Millisecond), serial.WithLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)

	opts = append([]Option{
		WithLink(link),
		WithRefreshInterval(0),
		WithLogger(logger.NewNopMockLogger()),
	}, opts...)
	h, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	return h
}

func TestParseSlotLine(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		line     string
		status   SlotStatus
		slotName string
		ok       bool
	}{
		{"full", 3, "slot 3 Coke:full", SlotAvailable, "Coke", true},
		{"empty", 0, "slot 0 Sprite:empty", SlotEmpty, "Sprite", true},
		{"other state", 1, "slot 1 Fanta:jammed", SlotEmpty, "Fanta", true},
		{"trailing space", 2, "slot  2 Lift:full  ", SlotAvailable, "Lift", true},
		{"wrong slot", 2, "slot 5 Coke:full", SlotError, "", false},
		{"garbage", 2, "slot ### garbage", SlotError, "", false},
		{"empty line", 2, "", SlotError, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, name, ok := parseSlotLine(tt.expected, tt.line)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.slotName, name)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestStatusCache(t *testing.T) {
	c := NewStatusCache()
	for i := 0; i < SlotCount; i++ {
		st, ok := c.Get(i)
		assert.True(t, ok)
		assert.Equal(t, SlotError, st)
	}

	_, ok := c.Get(-1)
	assert.False(t, ok)
	_, ok = c.Get(SlotCount)
	assert.False(t, ok)
	assert.True(t, c.LastRefresh().IsZero())

	c.set(2, SlotAvailable, "Coke")
	c.set(2, SlotEmpty, "")
	st, _ := c.Get(2)
	assert.Equal(t, SlotEmpty, st)
	assert.Equal(t, "Coke", c.Name(2))
	assert.Empty(t, c.Name(9))
}

func TestHandler_Init(t *testing.T) {
	sim := newSimController()
	sim.slots[1] = "empty"

	h := newTestHandler(t, sim, WithSlotNames([]string{"Lemon", "Cola"}))

	assert.Equal(t, 1, sim.count("n0 Lemon\r\n"))
	assert.Equal(t, 1, sim.count("n1 Cola\r\n"))
	assert.Equal(t, 1, sim.count("n6 Coke\r\n"))
	assert.Equal(t, 1, sim.count("s\r\n"))

	assert.Equal(t, dispense.Available, h.CanDispense(testUser, 0))
	assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 1))
	assert.Equal(t, dispense.Available, h.CanDispense(testUser, 6))
	assert.Equal(t, dispense.Unknown, h.CanDispense(testUser, 7))
	assert.Equal(t, dispense.Unknown, h.CanDispense(testUser, -1))
	assert.False(t, h.Cache().LastRefresh().IsZero())

	states := h.SlotStatuses()
	require.Len(t, states, SlotCount)
	assert.Equal(t, dispense.SlotState{Slot: 0, Name: "Lemon", Status: "avail"}, states[0])
	assert.Equal(t, dispense.SlotState{Slot: 1, Name: "Cola", Status: "empty"}, states[1])
}

func TestHandler_InitOpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	h, err := New(
		WithDevice("/dev/ttyS9", 9600),
		WithOpener(func(string, int) (serial.Port, error) { return nil, openErr }),
		WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	err = h.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dispense.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, openErr)

	assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 0))

	err = h.DoDispense(context.Background(), testUser, 0)
	var devErr *dispense.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.False(t, devErr.Attempted())
}

func TestHandler_InitOpensDevice(t *testing.T) {
	sim := newSimController()
	var gotPath string
	var gotBaud int

	h, err := New(
		WithDevice("/dev/ttyS1", 4800),
		WithOpener(func(path string, baud int) (serial.Port, error) {
			gotPath, gotBaud = path, baud
			return sim, nil
		}),
		WithLinkOptions(serial.WithCharTimeout(10*time.Millisecond)),
		WithRefreshInterval(0),
		WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))

	assert.Equal(t, "/dev/ttyS1", gotPath)
	assert.Equal(t, 4800, gotBaud)
	assert.Equal(t, dispense.Available, h.CanDispense(testUser, 3))

	require.NoError(t, h.Close())
	assert.True(t, sim.closed)
	assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 3))
}

func TestHandler_DoDispenseOK(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)

	sim.set(func(s *simController) { s.slots[3] = "empty" })

	require.NoError(t, h.DoDispense(context.Background(), testUser, 3))
	assert.Equal(t, []int{3}, sim.dispensed)
	assert.Equal(t, 1, sim.count("d3\r\n"))
	assert.Equal(t, 1, sim.count("s3\r\n"))

	// the re-query picked up the slot running empty
	assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 3))
}

func TestHandler_DoDispenseIgnoresCache(t *testing.T) {
	sim := newSimController()
	sim.slots[2] = "empty"
	h := newTestHandler(t, sim)
	require.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 2))

	// the controller still answers "ok" for an empty slot
	require.NoError(t, h.DoDispense(context.Background(), testUser, 2))
	assert.Equal(t, []int{2}, sim.dispensed)
}

func TestHandler_DoDispenseReportedFailure(t *testing.T) {
	sim := newSimController()
	sim.dispenseReply[4] = "jammed"
	h := newTestHandler(t, sim)

	err := h.DoDispense(context.Background(), testUser, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispense.ErrDeviceReportedFailure)

	var devErr *dispense.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "jammed", devErr.Reply)
	assert.Equal(t, 4, devErr.Slot)
	assert.True(t, devErr.Attempted())

	// slot is still re-queried after a failure
	assert.Equal(t, 1, sim.count("s4\r\n"))
}

func TestHandler_DoDispenseMissingPrompt(t *testing.T) {
	sim := newSimController()
	sim.noPrompt[2] = true
	ml := logger.NewNopMockLogger()
	h := newTestHandler(t, sim, WithLogger(ml))

	require.NoError(t, h.DoDispense(context.Background(), testUser, 2))
	ml.AssertCalled(t, "Debug", "no prompt after dispense reply", mock.Anything)

	// the re-query still runs and the next dispense recovers the prompt
	assert.Equal(t, 1, sim.count("s2\r\n"))
	require.NoError(t, h.DoDispense(context.Background(), testUser, 3))
	assert.Equal(t, []int{2, 3}, sim.dispensed)
}

func TestHandler_DoDispenseBadSlot(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)
	before := len(sim.writes())

	for _, id := range []int{-1, SlotCount, 42} {
		err := h.DoDispense(context.Background(), testUser, id)
		assert.ErrorIs(t, err, dispense.ErrBadItem)
	}
	assert.Len(t, sim.writes(), before)
}

func TestHandler_DoDispenseTimeout(t *testing.T) {
	sim := newSimController()
	sim.noReply[5] = true
	h := newTestHandler(t, sim)
	require.Equal(t, dispense.Available, h.CanDispense(testUser, 5))

	err := h.DoDispense(context.Background(), testUser, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispense.ErrDeviceTimeout)

	var devErr *dispense.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.True(t, devErr.Attempted())

	st, _ := h.Cache().Get(5)
	assert.Equal(t, SlotError, st)
	assert.Equal(t, dispense.Unknown, h.CanDispense(testUser, 5))
}

func TestHandler_NotReady(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)

	sim.set(func(s *simController) {
		s.silent = true
		s.out = nil
	})

	err := h.DoDispense(context.Background(), testUser, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispense.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, ErrNotReady)

	var devErr *dispense.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.False(t, devErr.Attempted())

	// two wake-ups between three attempts, and no dispense command
	assert.Equal(t, readyAttempts-1, sim.count("d7\r\n"))
	assert.Zero(t, sim.count("d0\r\n"))
}

func TestHandler_RecoversAfterStrayOutput(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)

	// prompt already consumed and nothing pending: the wake-up restores it
	sim.set(func(s *simController) { s.out = nil })

	require.NoError(t, h.DoDispense(context.Background(), testUser, 1))
	assert.Equal(t, 1, sim.count("d7\r\n"))
	assert.Equal(t, []int{1}, sim.dispensed)
}

func TestHandler_UnknownStateIsEmpty(t *testing.T) {
	sim := newSimController()
	sim.slots[1] = "jammed"
	h := newTestHandler(t, sim)

	st, _ := h.Cache().Get(1)
	assert.Equal(t, SlotEmpty, st)
	assert.Equal(t, "empty", st.String())
	assert.Equal(t, "Slot1", h.Cache().Name(1))
	assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, 1))
}

// slowPort delays every read by delay once it is set.
type slowPort struct {
	*simController
	delay atomic.Int64
}

func (p *slowPort) Read(b []byte) (int, error) {
	if d := time.Duration(p.delay.Load()); d > 0 {
		time.Sleep(d)
	}

	return p.simController.Read(b)
}

func TestHandler_CanDispenseDuringDispense(t *testing.T) {
	sim := newSimController()
	sim.noReply[3] = true
	port := &slowPort{simController: sim}

	link, err := serial.NewLink(port, serial.WithCharTimeout(10*time.Millisecond), serial.WithLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	h, err := New(WithLink(link), WithRefreshInterval(0), WithLogger(logger.NewNopMockLogger()))
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	port.delay.Store(int64(200 * time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- h.DoDispense(context.Background(), testUser, 3)
	}()

	// the dispense command is out and the handler is waiting for a reply
	require.Eventually(t, func() bool {
		return sim.count("d3\r\n") == 1
	}, 3*time.Second, time.Millisecond)

	start := time.Now()
	avail := h.CanDispense(testUser, 0)
	elapsed := time.Since(start)

	assert.Equal(t, dispense.Available, avail)
	assert.Less(t, elapsed, 50*time.Millisecond)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dispense.ErrDeviceTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("dispense did not finish")
	}
}

func TestHandler_PartialRefresh(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)
	for i := 0; i < SlotCount; i++ {
		require.Equal(t, dispense.Available, h.CanDispense(testUser, i))
	}
	refreshed := h.Cache().LastRefresh()

	sim.set(func(s *simController) {
		for i := range s.slots {
			s.slots[i] = "empty"
		}
		s.statusLines = 3
	})

	err := h.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dispense.ErrDeviceTimeout)

	for i := 0; i < 3; i++ {
		assert.Equal(t, dispense.Unavailable, h.CanDispense(testUser, i), "slot %d", i)
	}
	for i := 3; i < SlotCount; i++ {
		assert.Equal(t, dispense.Available, h.CanDispense(testUser, i), "slot %d", i)
	}
	assert.Equal(t, refreshed, h.Cache().LastRefresh())
}

func TestHandler_RefreshParseFailure(t *testing.T) {
	sim := newSimController()
	sim.garbled[4] = true
	h := newTestHandler(t, sim)

	st, _ := h.Cache().Get(4)
	assert.Equal(t, SlotError, st)
	assert.Equal(t, dispense.Unknown, h.CanDispense(testUser, 4))
	for _, i := range []int{0, 1, 2, 3, 5, 6} {
		assert.Equal(t, dispense.Available, h.CanDispense(testUser, i), "slot %d", i)
	}
}

func TestHandler_PeriodicRefresh(t *testing.T) {
	sim := newSimController()
	link, err := serial.NewLink(sim, serial.WithCharTimeout(10*time.Millisecond))
	require.NoError(t, err)

	h, err := New(
		WithLink(link),
		WithRefreshInterval(20*time.Millisecond),
		WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Init(ctx))
	defer func() { _ = h.Close() }()

	require.Equal(t, dispense.Available, h.CanDispense(testUser, 6))
	sim.set(func(s *simController) { s.slots[6] = "empty" })

	assert.Eventually(t, func() bool {
		return h.CanDispense(testUser, 6) == dispense.Unavailable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ConcurrentAccess(t *testing.T) {
	sim := newSimController()
	h := newTestHandler(t, sim)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(slot int) {
			defer wg.Done()
			errs <- h.DoDispense(context.Background(), testUser, slot%SlotCount)
		}(i)
		go func() {
			defer wg.Done()
			errs <- h.Refresh(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, sim.dispensed, 10)
}

func TestOptions(t *testing.T) {
	_, err := New(WithSlotNames(make([]string, SlotCount+1)))
	assert.Error(t, err)

	_, err = New(WithSlotNames([]string{"bad:name"}))
	assert.Error(t, err)

	_, err = New(WithRefreshInterval(-time.Second))
	assert.Error(t, err)

	_, err = New(WithDevice("", 9600))
	assert.Error(t, err)

	_, err = New(WithLink(nil))
	assert.Error(t, err)

	h, err := New()
	require.NoError(t, err)
	assert.Equal(t, HandlerName, h.Name())
	assert.Equal(t, DefaultRefreshInterval, h.refreshInterval)
}
