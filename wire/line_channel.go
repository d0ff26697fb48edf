package wire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-dispense/logger"
)

const (
	// DefaultMaxLineLength bounds a single received line, excluding the newline.
	DefaultMaxLineLength = 64 * 1024
	// MinMaxLineLength is the smallest accepted maximum line length.
	MinMaxLineLength = 256

	readBufferSize = 4096
)

// LineChannel frames a byte stream into newline terminated text lines.
//
// Partial reads are carried over between calls, and any number of lines may
// arrive in a single read. Received lines have the newline and a trailing
// carriage return removed. A LineChannel is used by one session at a time;
// Send may be called concurrently with ReceiveLine.
type LineChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex

	pending []byte

	maxLineLength int
	readTimeout   time.Duration
	writeTimeout  time.Duration
	logger        logger.Logger
}

// ChannelOption is a functional option for configuring a LineChannel.
type ChannelOption interface {
	apply(*LineChannel) error
}

type chanOptFunc func(*LineChannel) error

func (f chanOptFunc) apply(c *LineChannel) error { return f(c) }

// WithMaxLineLength sets the maximum accepted line length.
func WithMaxLineLength(n int) ChannelOption {
	return chanOptFunc(func(c *LineChannel) error {
		if n < MinMaxLineLength {
			return fmt.Errorf("wire: max line length %d below minimum %d", n, MinMaxLineLength)
		}
		c.maxLineLength = n

		return nil
	})
}

// WithReadTimeout bounds every ReceiveLine call. Zero disables the timeout.
func WithReadTimeout(d time.Duration) ChannelOption {
	return chanOptFunc(func(c *LineChannel) error {
		if d < 0 {
			return errors.New("wire: read timeout must not be negative")
		}
		c.readTimeout = d

		return nil
	})
}

// WithWriteTimeout bounds every Send call. Zero disables the timeout.
func WithWriteTimeout(d time.Duration) ChannelOption {
	return chanOptFunc(func(c *LineChannel) error {
		if d < 0 {
			return errors.New("wire: write timeout must not be negative")
		}
		c.writeTimeout = d

		return nil
	})
}

// WithChannelLogger sets the logger used for wire tracing.
func WithChannelLogger(l logger.Logger) ChannelOption {
	return chanOptFunc(func(c *LineChannel) error {
		if l == nil {
			return errors.New("wire: logger must not be nil")
		}
		c.logger = l

		return nil
	})
}

// NewLineChannel wraps conn.
func NewLineChannel(conn net.Conn, opts ...ChannelOption) (*LineChannel, error) {
	if conn == nil {
		return nil, errors.New("wire: nil connection")
	}

	c := &LineChannel{
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, readBufferSize),
		maxLineLength: DefaultMaxLineLength,
		logger:        logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Send writes line followed by a newline in a single write.
// The line itself must not contain a newline.
func (c *LineChannel) Send(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line contains a line break", ErrInvalidRequest)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(ctx, c.writeTimeout)); err != nil {
		return newConnectionError("send", err)
	}
	for len(buf) > 0 {
		n, err := c.conn.Write(buf)
		if err != nil {
			return newConnectionError("send", err)
		}
		buf = buf[n:]
	}

	return nil
}

// ReceiveLine returns the next line without its terminator.
//
// A line longer than the maximum line length yields a ProtocolError wrapping
// ErrLineTooLong. Closure or reset of the connection yields a ConnectionError.
// If the read times out mid-line, the partial data is kept for the next call.
func (c *LineChannel) ReceiveLine(ctx context.Context) (string, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx, c.readTimeout)); err != nil {
		return "", newConnectionError("receive", err)
	}

	line := c.pending
	c.pending = nil

	for {
		frag, err := c.reader.ReadSlice('\n')
		line = append(line, frag...)

		if len(bytes.TrimSuffix(line, []byte{'\n'})) > c.maxLineLength {
			return "", &ProtocolError{
				Reason: fmt.Sprintf("line exceeds %d bytes", c.maxLineLength),
				Err:    ErrLineTooLong,
			}
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		connErr := newConnectionError("receive", err)
		if errors.Is(connErr, ErrTimeout) {
			c.pending = line
		}

		return "", connErr
	}

	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})

	return string(line), nil
}

// Close closes the underlying connection.
func (c *LineChannel) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *LineChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *LineChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctx != nil {
		if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
			d = ctxDeadline
		}
	}

	return d
}
