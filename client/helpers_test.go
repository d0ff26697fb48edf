package client

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// step is one exchange of a scripted server: the expected request line and
// the response lines sent back. An expect ending in "*" matches by prefix.
type step struct {
	expect string
	reply  []string
}

type fakeServer struct {
	conn     net.Conn
	received []string
	done     chan struct{}
}

func newTestConfig(t *testing.T, opts ...ClientOption) *ClientConfig {
	t.Helper()

	opts = append([]ClientOption{
		WithUsername("alice"),
		WithPrivilegedPort(false),
		WithLogger(logger.NewNopMockLogger()),
	}, opts...)
	cfg, err := NewClientConfig("127.0.0.1", wire.DefaultPort, opts...)
	require.NoError(t, err)

	return cfg
}

// newTestClient connects a client to a scripted server over a pipe.
// The server closes its end once the script is exhausted.
func newTestClient(t *testing.T, steps []step, opts ...ClientOption) (*Client, *fakeServer) {
	t.Helper()

	local, remote := net.Pipe()
	ch, err := wire.NewLineChannel(local, wire.WithReadTimeout(2*time.Second))
	require.NoError(t, err)

	srv := &fakeServer{conn: remote, done: make(chan struct{})}
	go srv.run(t, steps)

	c := NewClient(ch, newTestConfig(t, opts...))
	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})

	return c, srv
}

func (s *fakeServer) run(t *testing.T, steps []step) {
	defer close(s.done)
	defer s.conn.Close()

	reader := bufio.NewReader(s.conn)
	for _, st := range steps {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Errorf("server: expected %q, read failed: %v", st.expect, err)
			return
		}
		line = strings.TrimSuffix(line, "\n")
		s.received = append(s.received, line)

		if prefix, ok := strings.CutSuffix(st.expect, "*"); ok {
			assert.True(t, strings.HasPrefix(line, prefix), "server: got %q, want prefix %q", line, prefix)
		} else {
			assert.Equal(t, st.expect, line)
		}

		for _, r := range st.reply {
			if _, err := s.conn.Write([]byte(r + "\n")); err != nil {
				t.Errorf("server: write %q: %v", r, err)
				return
			}
		}
	}
}

// wait blocks until the script finished and returns the received lines.
func (s *fakeServer) wait(t *testing.T) []string {
	t.Helper()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("scripted server did not finish")
	}

	return s.received
}

var autoAuthOK = step{expect: "AUTOAUTH alice", reply: []string{"200 Authenticated"}}

// staticPassword returns a PasswordFunc answering pw and counting calls.
func staticPassword(pw string, calls *int) PasswordFunc {
	return func(string) (string, error) {
		*calls++
		return pw, nil
	}
}

func newNopLogger() logger.Logger {
	return logger.NewNopMockLogger()
}
