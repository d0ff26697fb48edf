package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-dispense/logger"
)

const (
	// DefaultCharTimeout is the longest wait for a single character.
	DefaultCharTimeout = 2 * time.Second
	MinCharTimeout     = 10 * time.Millisecond
	MaxCharTimeout     = 30 * time.Second

	// DefaultPrompt is the character a controller prints when ready for a command.
	DefaultPrompt = ':'

	// MaxLineLength bounds a line read from the device.
	MaxLineLength = 1024

	// maxPromptDiscard bounds the characters skipped while waiting for a prompt.
	maxPromptDiscard = 4096
)

var (
	// ErrTimeout is returned when no character arrived within the character timeout.
	ErrTimeout = errors.New("serial: timeout")
	// ErrNoPrompt is returned when the device kept talking without printing a prompt.
	ErrNoPrompt = errors.New("serial: no prompt")
	// ErrLineTooLong is returned for a device line longer than MaxLineLength.
	ErrLineTooLong = errors.New("serial: line too long")
	// ErrLinkClosed is returned on a closed link.
	ErrLinkClosed = errors.New("serial: link closed")
)

// LinkMetrics contains atomic counters of a link.
type LinkMetrics struct {
	// ReadCount is the number of characters read.
	ReadCount atomic.Uint64
	// WriteCount is the number of commands written.
	WriteCount atomic.Uint64
	// TimeoutCount is the number of character timeouts.
	TimeoutCount atomic.Uint64
}

// Link reads characters and lines from a Port with a per-character timeout
// and writes formatted commands. A Link is not safe for concurrent use;
// callers serialise access to the device.
type Link struct {
	port Port

	charTimeout time.Duration
	prompt      byte
	logger      logger.Logger

	buf     [64]byte
	r, w    int
	afterCR bool
	closed  bool

	metrics LinkMetrics
}

// LinkOption is a functional option for configuring a Link.
type LinkOption interface {
	apply(*Link) error
}

type linkOptFunc func(*Link) error

func (f linkOptFunc) apply(l *Link) error { return f(l) }

// WithCharTimeout sets the per-character read timeout.
func WithCharTimeout(d time.Duration) LinkOption {
	return linkOptFunc(func(l *Link) error {
		if d < MinCharTimeout || d > MaxCharTimeout {
			return fmt.Errorf("serial: char timeout %v out of range [%v, %v]", d, MinCharTimeout, MaxCharTimeout)
		}
		l.charTimeout = d

		return nil
	})
}

// WithPrompt sets the ready prompt character.
func WithPrompt(c byte) LinkOption {
	return linkOptFunc(func(l *Link) error {
		if c == 0 || c == '\r' || c == '\n' {
			return fmt.Errorf("serial: invalid prompt %q", c)
		}
		l.prompt = c

		return nil
	})
}

// WithLogger sets the logger of the link.
func WithLogger(lg logger.Logger) LinkOption {
	return linkOptFunc(func(l *Link) error {
		if lg == nil {
			return errors.New("serial: logger must not be nil")
		}
		l.logger = lg

		return nil
	})
}

// NewLink wraps port.
func NewLink(port Port, opts ...LinkOption) (*Link, error) {
	if port == nil {
		return nil, errors.New("serial: nil port")
	}

	l := &Link{
		port:        port,
		charTimeout: DefaultCharTimeout,
		prompt:      DefaultPrompt,
		logger:      logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(l); err != nil {
			return nil, err
		}
	}

	if err := port.SetReadTimeout(l.charTimeout); err != nil {
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}

	return l, nil
}

// OpenLink opens the device at path and wraps it in a Link.
func OpenLink(open Opener, path string, baud int, opts ...LinkOption) (*Link, error) {
	if open == nil {
		open = Open
	}
	port, err := open(path, baud)
	if err != nil {
		return nil, err
	}

	l, err := NewLink(port, opts...)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	return l, nil
}

// Metrics returns the link counters.
func (l *Link) Metrics() *LinkMetrics {
	return &l.metrics
}

// ReadChar returns the next character, or ErrTimeout if none arrived
// within the character timeout.
func (l *Link) ReadChar() (byte, error) {
	if l.closed {
		return 0, ErrLinkClosed
	}

	if l.r == l.w {
		n, err := l.port.Read(l.buf[:])
		if err != nil {
			return 0, fmt.Errorf("serial: read: %w", err)
		}
		if n == 0 {
			l.metrics.TimeoutCount.Add(1)
			return 0, ErrTimeout
		}
		l.r, l.w = 0, n
	}

	c := l.buf[l.r]
	l.r++
	l.metrics.ReadCount.Add(1)

	return c, nil
}

// WaitForPrompt discards input up to and including the prompt character.
func (l *Link) WaitForPrompt() error {
	for i := 0; i < maxPromptDiscard; i++ {
		c, err := l.ReadChar()
		if err != nil {
			return err
		}
		if c == l.prompt {
			l.afterCR = false
			return nil
		}
	}

	return ErrNoPrompt
}

// ReadLine reads characters until '\n', '\r' or NUL and returns them without
// the terminator. A '\n' immediately following a '\r' terminated line is
// skipped, so CRLF yields a single line. A timeout before the terminator
// discards the partial line and returns ErrTimeout.
func (l *Link) ReadLine() (string, error) {
	line := make([]byte, 0, 64)
	for {
		c, err := l.ReadChar()
		if err != nil {
			return "", err
		}

		if c == '\n' && l.afterCR && len(line) == 0 {
			l.afterCR = false
			continue
		}
		l.afterCR = false

		switch c {
		case '\r':
			l.afterCR = true
			return string(line), nil
		case '\n', 0:
			return string(line), nil
		}

		if len(line) >= MaxLineLength {
			return "", ErrLineTooLong
		}
		line = append(line, c)
	}
}

// Writef formats a command and writes it in a single write.
func (l *Link) Writef(format string, args ...any) error {
	if l.closed {
		return ErrLinkClosed
	}

	data := []byte(fmt.Sprintf(format, args...))
	n, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("serial: write: %w", io.ErrShortWrite)
	}
	l.metrics.WriteCount.Add(1)
	l.logger.Debug("serial write", "data", strings.TrimRight(string(data), "\r\n"))

	return nil
}

// Flush drops buffered and pending input.
func (l *Link) Flush() error {
	l.r, l.w = 0, 0
	l.afterCR = false
	if l.closed {
		return ErrLinkClosed
	}

	return l.port.ResetInputBuffer()
}

// Close closes the port.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	return l.port.Close()
}
