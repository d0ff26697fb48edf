package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrConnectionClosed indicates the peer closed or reset the connection.
	ErrConnectionClosed = errors.New("wire: connection closed")
	// ErrTimeout indicates a read or write deadline expired.
	ErrTimeout = errors.New("wire: timeout")
	// ErrLineTooLong indicates a received line exceeded the maximum line length.
	ErrLineTooLong = errors.New("wire: line too long")
	// ErrMalformedResponse indicates a response line that does not follow the grammar.
	ErrMalformedResponse = errors.New("wire: malformed response")
	// ErrUnexpectedResponse indicates a well formed response with a code the command does not allow.
	ErrUnexpectedResponse = errors.New("wire: unexpected response")
	// ErrInvalidRequest indicates a request that cannot be encoded or parsed.
	ErrInvalidRequest = errors.New("wire: invalid request")
)

// ConnectionError is a transport failure. It is fatal to the session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a violation of the line grammar by the peer. It is fatal to the command.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}

	return fmt.Sprintf("%v: %s: %q", e.Err, e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func malformed(line, reason string) error {
	return &ProtocolError{Line: line, Reason: reason, Err: ErrMalformedResponse}
}

// Unexpected returns a ProtocolError for a response code the command does not accept.
func Unexpected(resp *Response) error {
	return &ProtocolError{Line: resp.Line, Reason: fmt.Sprintf("code %d", resp.Code), Err: ErrUnexpectedResponse}
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

func newConnectionError(op string, err error) *ConnectionError {
	switch {
	case isTimeout(err):
		return &ConnectionError{Op: op, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	case isClosed(err):
		return &ConnectionError{Op: op, Err: fmt.Errorf("%w: %w", ErrConnectionClosed, err)}
	default:
		return &ConnectionError{Op: op, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
