package socket

import (
	"context"
	"io"

	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/direrr"
)

// UDPSocket is a datagram socket multiplexed over the modem's AT-command
// socket API. Connect only records the remote target; no wire traffic is
// generated until Send.
type UDPSocket struct {
	mux    *Multiplexer
	entry  *Entry
	locker *atsession.Locker
	hooks  Hooks
}

// NewUDPSocket allocates an entry and wraps it.
func NewUDPSocket(mux *Multiplexer, locker *atsession.Locker, hooks Hooks) (*UDPSocket, error) {
	entry, err := mux.Allocate(KindUDP)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{mux: mux, entry: entry, locker: locker, hooks: hooks}, nil
}

// ID returns the socket's vendor-chosen id.
func (u *UDPSocket) ID() int { return u.entry.ID }

// MTU returns the vendor's per-datagram maximum payload.
func (u *UDPSocket) MTU() int { return u.hooks.MTU }

// Connect records addr as the socket's default remote target.
func (u *UDPSocket) Connect(addr string) {
	u.entry.setPeer(addr)
}

// Send transmits p to addr, rejecting payloads over the vendor MTU.
func (u *UDPSocket) Send(ctx context.Context, addr string, p []byte) error {
	if len(p) > u.hooks.MTU {
		return direrr.ErrPayloadTooLarge
	}
	return u.locker.Do(func(s *atsession.Session) error {
		return u.hooks.Send(ctx, s, u.entry.ID, addr, p)
	})
}

// Datagram is one received UDP payload plus its source address.
type Datagram struct {
	Addr    string
	Payload []byte
}

// Receive waits for readable data or closure and returns the next
// datagram. It returns io.EOF once the socket has closed.
func (u *UDPSocket) Receive(ctx context.Context) (Datagram, error) {
	for {
		bits, err := u.entry.state.WaitFor(ctx, StateReadable|StateClosed)
		if err != nil {
			return Datagram{}, err
		}
		if bits&StateReadable == 0 && bits&StateClosed != 0 {
			return Datagram{}, io.EOF
		}

		var dg Datagram
		err = u.locker.Do(func(s *atsession.Session) error {
			addr, payload, recvErr := u.hooks.Receive(ctx, s, u.entry.ID)
			dg = Datagram{Addr: addr, Payload: payload}
			return recvErr
		})
		if err != nil {
			return Datagram{}, err
		}
		if len(dg.Payload) == 0 {
			u.entry.state.Clear(StateReadable)
			continue
		}
		return dg, nil
	}
}

// Close atomically transitions the socket to CLOSED and removes it from
// the multiplexer, issuing the vendor close verb.
func (u *UDPSocket) Close(ctx context.Context) error {
	var closeErr error
	u.entry.closeOnce.Do(func() {
		alreadyClosed := u.entry.state.Bits()&StateClosed != 0
		u.entry.state.Set(StateClosed)
		u.mux.Release(u.entry.ID)
		if alreadyClosed {
			return
		}
		closeErr = u.locker.Do(func(s *atsession.Session) error {
			err := u.hooks.Close(ctx, s, u.entry.ID)
			if err != nil && u.hooks.IsBenignCloseRace != nil && u.hooks.IsBenignCloseRace(err) {
				return nil
			}
			return err
		})
	})
	return closeErr
}
