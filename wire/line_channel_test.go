package wire

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineChannel_MultipleLinesInOneWrite(t *testing.T) {
	ch, remote := newTestChannel(t)
	ctx := context.Background()

	done := mustWrite(t, remote, "201 Items 2\n202 Item coke:0 avail 90 Coke\r\n200 OK\n")

	for _, want := range []string{"201 Items 2", "202 Item coke:0 avail 90 Coke", "200 OK"} {
		line, err := ch.ReceiveLine(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	require.NoError(t, <-done)
}

func TestLineChannel_PartialReads(t *testing.T) {
	ch, remote := newTestChannel(t)

	go func() {
		for _, part := range []string{"20", "0 O", "K\n401 ", "AUTH\n"} {
			_, _ = remote.Write([]byte(part))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	line, err := ch.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "200 OK", line)

	line, err = ch.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "401 AUTH", line)
}

func TestLineChannel_LongLineGrowsBuffer(t *testing.T) {
	ch, remote := newTestChannel(t)

	long := "202 Item coke:1 avail 90 " + repeat("x", 3*readBufferSize)
	done := mustWrite(t, remote, long+"\n")

	line, err := ch.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, long, line)
	require.NoError(t, <-done)
}

func TestLineChannel_LineTooLong(t *testing.T) {
	ch, remote := newTestChannel(t, WithMaxLineLength(MinMaxLineLength))

	go func() { _, _ = remote.Write([]byte(repeat("a", MinMaxLineLength+10) + "\n")) }()

	_, err := ch.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.True(t, IsProtocolError(err))
}

func TestLineChannel_ExactMaxLength(t *testing.T) {
	ch, remote := newTestChannel(t, WithMaxLineLength(MinMaxLineLength))

	done := mustWrite(t, remote, repeat("a", MinMaxLineLength)+"\n")
	line, err := ch.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Len(t, line, MinMaxLineLength)
	require.NoError(t, <-done)
}

func TestLineChannel_PeerClosed(t *testing.T) {
	ch, remote := newTestChannel(t)

	go func() {
		_, _ = remote.Write([]byte("200 O"))
		_ = remote.Close()
	}()

	_, err := ch.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestLineChannel_TimeoutKeepsPartialLine(t *testing.T) {
	ch, remote := newTestChannel(t, WithReadTimeout(50*time.Millisecond))

	go func() { _, _ = remote.Write([]byte("200 O")) }()

	_, err := ch.ReceiveLine(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	go func() { _, _ = remote.Write([]byte("K\n")) }()

	line, err := ch.ReceiveLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "200 OK", line)
}

func TestLineChannel_ContextDeadline(t *testing.T) {
	ch, _ := newTestChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.ReceiveLine(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLineChannel_Send(t *testing.T) {
	ch, remote := newTestChannel(t)

	reader := bufio.NewReader(remote)
	got := make(chan string, 1)
	go func() {
		line, _ := reader.ReadString('\n')
		got <- line
	}()

	require.NoError(t, ch.Send(context.Background(), "DISPENSE coke:6"))
	assert.Equal(t, "DISPENSE coke:6\n", <-got)

	err := ch.Send(context.Background(), "USER a\nPASS b")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLineChannel_Options(t *testing.T) {
	_, err := NewLineChannel(nil)
	require.Error(t, err)

	local, remote := newPipe()
	defer local.Close()
	defer remote.Close()

	_, err = NewLineChannel(local, WithMaxLineLength(10))
	require.Error(t, err)
	_, err = NewLineChannel(local, WithReadTimeout(-time.Second))
	require.Error(t, err)
	_, err = NewLineChannel(local, WithWriteTimeout(-time.Second))
	require.Error(t, err)
	_, err = NewLineChannel(local, WithChannelLogger(nil))
	require.Error(t, err)
}
