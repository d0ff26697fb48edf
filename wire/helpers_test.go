package wire

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dispense/logger"
)

func newTestChannel(t *testing.T, opts ...ChannelOption) (*LineChannel, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	opts = append([]ChannelOption{WithChannelLogger(logger.NewNopMockLogger())}, opts...)
	ch, err := NewLineChannel(local, opts...)
	require.NoError(t, err)

	return ch, remote
}

// mustWrite writes data to conn from a goroutine, since pipe writes block until read.
func mustWrite(t *testing.T, conn net.Conn, data string) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte(data))
		done <- err
	}()

	return done
}

func mustParse(t *testing.T, line string) *Response {
	t.Helper()

	resp, err := ParseResponse(line)
	require.NoError(t, err, line)

	return resp
}

func repeat(c string, n int) string {
	return strings.Repeat(c, n)
}

func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}
