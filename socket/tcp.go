package socket

import (
	"context"
	"io"

	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/direrr"
)

// TCPSocket is a stream socket multiplexed over the modem's AT-command
// socket API.
type TCPSocket struct {
	mux    *Multiplexer
	entry  *Entry
	locker *atsession.Locker
	hooks  Hooks
}

// NewTCPSocket allocates an entry and wraps it, but does not connect.
func NewTCPSocket(mux *Multiplexer, locker *atsession.Locker, hooks Hooks) (*TCPSocket, error) {
	entry, err := mux.Allocate(KindTCP)
	if err != nil {
		return nil, err
	}
	return &TCPSocket{mux: mux, entry: entry, locker: locker, hooks: hooks}, nil
}

// ID returns the socket's vendor-chosen id.
func (t *TCPSocket) ID() int { return t.entry.ID }

// MTU returns the vendor's per-write maximum payload.
func (t *TCPSocket) MTU() int { return t.hooks.MTU }

// Connect issues the vendor connect verb under the AT lock and, for
// vendors with async connect, waits for the completion URC. A nonzero
// completion code fails the connect and leaves no entry in the
// multiplexer's map.
func (t *TCPSocket) Connect(ctx context.Context, peer string) error {
	t.entry.setPeer(peer)
	err := t.locker.Do(func(s *atsession.Session) error {
		return t.hooks.Connect(ctx, s, t.entry.ID, peer)
	})
	if err != nil {
		t.mux.Release(t.entry.ID)
		return err
	}

	bits, err := t.entry.state.WaitFor(ctx, StateConnected|StateClosed)
	if err != nil {
		t.mux.Release(t.entry.ID)
		return err
	}
	if bits&StateClosed != 0 {
		t.mux.Release(t.entry.ID)
		return &direrr.UnknownError{Code: t.entry.ErrorCode()}
	}
	return nil
}

// Read waits for readable data or closure and returns the next chunk. It
// returns io.EOF once the socket has closed and no more data is pending,
// and direrr.ErrNotConnected if Connect never succeeded.
func (t *TCPSocket) Read(ctx context.Context) ([]byte, error) {
	if t.entry.state.Bits()&(StateConnected|StateClosed) == 0 {
		return nil, direrr.ErrNotConnected
	}
	for {
		bits, err := t.entry.state.WaitFor(ctx, StateReadable|StateClosed)
		if err != nil {
			return nil, err
		}
		if bits&StateReadable == 0 && bits&StateClosed != 0 {
			return nil, io.EOF
		}

		var data []byte
		err = t.locker.Do(func(s *atsession.Session) error {
			var readErr error
			data, readErr = t.hooks.Read(ctx, s, t.entry.ID, t.hooks.MTU)
			return readErr
		})
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			t.entry.state.Clear(StateReadable)
			continue
		}
		return data, nil
	}
}

// TryWrite writes up to the vendor MTU of p in one AT transaction and
// returns the number of bytes accepted. It returns 0, nil under
// back-pressure (the caller should retry); the caller is responsible for
// resubmitting any bytes beyond MTU.
func (t *TCPSocket) TryWrite(ctx context.Context, p []byte) (int, error) {
	if t.entry.state.Bits()&(StateConnected|StateClosed) == 0 {
		return 0, direrr.ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := p
	if len(chunk) > t.hooks.MTU {
		chunk = chunk[:t.hooks.MTU]
	}

	if t.hooks.OutboundBuffered != nil {
		var buffered int
		err := t.locker.Do(func(s *atsession.Session) error {
			var qErr error
			buffered, qErr = t.hooks.OutboundBuffered(ctx, s, t.entry.ID)
			return qErr
		})
		if err != nil {
			return 0, err
		}
		if buffered+len(chunk) > maxOutboundQueued {
			sleepBackpressure(ctx)
			return 0, nil
		}
	}

	var n int
	err := t.locker.Do(func(s *atsession.Session) error {
		var writeErr error
		n, writeErr = t.hooks.Write(ctx, s, t.entry.ID, chunk)
		return writeErr
	})
	if err != nil {
		if t.hooks.OnFatal != nil {
			t.hooks.OnFatal(err)
		}
		return 0, err
	}
	return n, nil
}

// Close atomically transitions the socket to CLOSED and removes it from
// the multiplexer, issuing the vendor close verb (and, if flagged, a PDP
// deactivation first). A benign "operation not allowed" race with a
// CLOSED URC that already tore the socket down is swallowed.
func (t *TCPSocket) Close(ctx context.Context) error {
	var closeErr error
	t.entry.closeOnce.Do(func() {
		alreadyClosed := t.entry.state.Bits()&StateClosed != 0
		t.entry.state.Set(StateClosed)
		t.mux.Release(t.entry.ID)
		if alreadyClosed {
			return
		}
		closeErr = t.locker.Do(func(s *atsession.Session) error {
			if t.entry.shouldDeactPDP() && t.hooks.DeactivatePDP != nil {
				if err := t.hooks.DeactivatePDP(ctx, s, t.entry.ID); err != nil {
					return err
				}
			}
			err := t.hooks.Close(ctx, s, t.entry.ID)
			if err != nil && t.hooks.IsBenignCloseRace != nil && t.hooks.IsBenignCloseRace(err) {
				return nil
			}
			return err
		})
	})
	return closeErr
}
