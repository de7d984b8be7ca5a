package transport

import (
	"context"
	"fmt"

	"go.bug.st/serial"
)

// SerialDialer opens a Transport over a real UART using go.bug.st/serial.
// Mode defaults to 8N1 at BaudRate if left nil.
type SerialDialer struct {
	PortName string
	BaudRate int
	Mode     *serial.Mode
}

// Dial opens the configured serial port. It respects ctx cancellation
// before the syscall by checking ctx.Err() up front; go.bug.st/serial does
// not itself accept a context, so cancellation during the blocking open
// call cannot be interrupted, matching the teacher's own dialer contract.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.PortName == "" {
		return nil, ErrPortNameRequired
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", d.PortName, err)
	}
	return &serialTransport{port: port, mode: *mode}, nil
}

// serialTransport adapts a go.bug.st/serial.Port to Transport.
type serialTransport struct {
	port serial.Port
	mode serial.Mode
}

func (t *serialTransport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *serialTransport) Close() error                { return t.port.Close() }

func (t *serialTransport) SetBaudRate(bps int) error {
	t.mode.BaudRate = bps
	return t.port.SetMode(&t.mode)
}
