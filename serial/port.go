// Package serial provides a line oriented link to devices attached to a
// serial port, such as the coke machine controller and the door relay.
package serial

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the line speed of the vending controllers.
const DefaultBaudRate = 9600

// Port is a serial port. Read returns 0 bytes and a nil error when the read
// timeout expires without data.
//
// go.bug.st/serial.Port satisfies Port.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var _ Port = (serial.Port)(nil)

// Opener opens the serial device at path.
type Opener func(path string, baud int) (Port, error)

// Open opens the serial device at path in 8N1 mode at baud.
func Open(path string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}

	return port, nil
}
