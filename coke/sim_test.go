package coke

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// simController emulates the coke machine controller behind a serial port.
// Every command is echoed, answered and followed by a ':' prompt. Reads
// never block: no pending output reads as a timeout.
type simController struct {
	mu sync.Mutex

	out     []byte
	written []string
	closed  bool

	slots [SlotCount]string
	names [SlotCount]string

	dispenseReply map[int]string
	noReply       map[int]bool
	noPrompt      map[int]bool
	garbled       map[int]bool
	statusLines   int
	silent        bool
	dispensed     []int
}

func newSimController() *simController {
	sim := &simController{
		out:           []byte(":"),
		dispenseReply: map[int]string{},
		noReply:       map[int]bool{},
		noPrompt:      map[int]bool{},
		garbled:       map[int]bool{},
		statusLines:   SlotCount,
	}
	for i := range sim.slots {
		sim.slots[i] = "full"
		sim.names[i] = "Slot" + strconv.Itoa(i)
	}

	return sim
}

func (s *simController) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.out) == 0 {
		return 0, nil
	}
	n := copy(b, s.out)
	s.out = s.out[n:]

	return n, nil
}

func (s *simController) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.written = append(s.written, string(b))
	if s.silent {
		return len(b), nil
	}
	for _, cmd := range strings.Split(strings.TrimRight(string(b), "\r\n"), "\r\n") {
		s.handle(cmd)
	}

	return len(b), nil
}

func (s *simController) handle(cmd string) {
	s.emit(cmd + "\r\n")

	switch {
	case cmd == "s":
		for i := 0; i < s.statusLines && i < SlotCount; i++ {
			s.emit(s.slotLine(i))
		}
		if s.statusLines < SlotCount {
			return
		}
	case strings.HasPrefix(cmd, "s"):
		n, err := strconv.Atoi(cmd[1:])
		if err != nil || n < 0 || n >= SlotCount {
			s.emit("no slot\r\n")
			break
		}
		s.emit(s.slotLine(n))
	case strings.HasPrefix(cmd, "d"):
		n, err := strconv.Atoi(cmd[1:])
		if err != nil || n < 0 || n >= SlotCount {
			s.emit("no slot\r\n")
			break
		}
		if s.noReply[n] {
			return
		}
		s.dispensed = append(s.dispensed, n)
		reply, ok := s.dispenseReply[n]
		if !ok {
			reply = "ok"
		}
		s.emit(reply + "\r\n")
		if s.noPrompt[n] {
			return
		}
	case strings.HasPrefix(cmd, "n"):
		var n int
		var name string
		if _, err := fmt.Sscanf(cmd, "n%d %s", &n, &name); err == nil && n >= 0 && n < SlotCount {
			s.names[n] = name
		}
	default:
		s.emit("?\r\n")
	}
	s.emit(":")
}

func (s *simController) slotLine(n int) string {
	if s.garbled[n] {
		return "slot ### garbage\r\n"
	}

	return fmt.Sprintf("slot %d %s:%s\r\n", n, s.names[n], s.slots[n])
}

func (s *simController) emit(str string) {
	s.out = append(s.out, str...)
}

func (s *simController) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	return nil
}

func (s *simController) SetReadTimeout(time.Duration) error {
	return nil
}

func (s *simController) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil

	return nil
}

func (s *simController) set(fn func(s *simController)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *simController) count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.written {
		if w == cmd {
			n++
		}
	}

	return n
}

func (s *simController) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.written...)
}
