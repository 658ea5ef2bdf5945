package rangelink

import (
	"io"

	"go.bug.st/serial"
)

// Porter defines the minimal interface needed from a serial port. The
// abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a port for the manager's connect cycle.
type Opener func() (Porter, error)

// SerialOpener returns an Opener for real hardware at the given device path.
// The range-sensing firmware talks 115200 8N1.
func SerialOpener(path string) Opener {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func() (Porter, error) {
		return serial.Open(path, mode)
	}
}
