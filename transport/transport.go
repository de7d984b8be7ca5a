// Package transport defines the byte-pipe abstraction the AT session engine
// runs over, plus the concrete adapters (serial hardware, in-memory fakes,
// gomock-generated test doubles) that satisfy it. The pipe itself — UART
// framing, GPIO-driven power/reset sequencing — is treated as an external
// collaborator the core session and cellular-session-machine packages only
// ever consume through this interface.
package transport

import (
	"context"
	"errors"
	"io"
)

// Transport is an established, bidirectional byte stream to a modem. It is
// assumed to already be open and ready for use; typical implementations are
// a serial port, a TCP connection to an emulator, or an in-memory fake used
// in tests.
//
// SetBaudRate lets the cellular session machine's baud-discovery step
// reconfigure the link speed without tearing down and reopening the
// transport, mirroring how a UART peripheral is reclocked in place.
type Transport interface {
	io.ReadWriteCloser
	SetBaudRate(bps int) error
}

// Dialer opens a Transport to a modem. It abstracts how the connection is
// created — serial port, TCP-based emulator, test double — and is only
// consulted once, during cellular session construction.
type Dialer interface {
	// Dial establishes and returns a connected Transport. It must respect
	// ctx cancellation and deadlines.
	Dial(ctx context.Context) (Transport, error)
}

// Errors returned by Dial implementations in this package.
var (
	ErrPortNameRequired = errors.New("transport: serial port name is required")
	ErrNilContext       = errors.New("transport: context is nil")
)
