package socket

import (
	"context"

	"github.com/toitware/cellular/atsession"
)

// maxOutboundQueued is the u-blox back-pressure threshold from spec: once
// the modem's own outbound queue would exceed this many bytes, try_write
// backs off instead of issuing the send command.
const maxOutboundQueued = 10240

// Hooks are the vendor-supplied AT operations a Multiplexer's sockets
// drive under the AT Locker. A vendor shim builds one Hooks value per
// socket kind; the socket types themselves know nothing about AT verbs.
type Hooks struct {
	// MTU is the vendor's maximum payload for one send/write AT command.
	MTU int

	Connect func(ctx context.Context, s *atsession.Session, id int, peer string) error
	Read    func(ctx context.Context, s *atsession.Session, id int, max int) ([]byte, error)
	Write   func(ctx context.Context, s *atsession.Session, id int, payload []byte) (int, error)
	Close   func(ctx context.Context, s *atsession.Session, id int) error

	// Send/Receive are used by UDP sockets in place of Write/Read.
	Send    func(ctx context.Context, s *atsession.Session, id int, addr string, payload []byte) error
	Receive func(ctx context.Context, s *atsession.Session, id int) (addr string, payload []byte, err error)

	// DeactivatePDP tears down the PDP context a socket rode in on; only
	// invoked when the entry has been marked ShouldPDPDeact. Optional.
	DeactivatePDP func(ctx context.Context, s *atsession.Session, id int) error

	// OutboundBuffered queries the modem's outbound queue depth before a
	// TCP write (u-blox +USOCTL); nil for vendors with no such query.
	OutboundBuffered func(ctx context.Context, s *atsession.Session, id int) (int, error)

	// IsBenignCloseRace reports whether an error returned by Close should
	// be swallowed as a harmless race with a CLOSED URC that already
	// tore the socket down (e.g. a vendor's "Operation not allowed").
	IsBenignCloseRace func(err error) bool

	// OnFatal is invoked when a mid-write error leaves the modem's AT
	// session in a state the driver no longer trusts; the session
	// machine wires this to a forced session close.
	OnFatal func(err error)
}
