// Package quectel implements the cellular.Vendor shim for the Quectel
// BG96 family: AT verb names, timeout constants, band masks, and PSM
// target values specific to that chip.
package quectel

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/direrr"
	"github.com/toitware/cellular/gpio"
	"github.com/toitware/cellular/socket"
)

const (
	powerOnPulse  = 150 * time.Millisecond
	powerOffPulse = 650 * time.Millisecond

	socketIDLo = 0
	socketIDHi = 11

	mtu = 1460
)

// Vendor is the BG96 cellular.Vendor implementation.
type Vendor struct {
	lastAPN       string
	psmURCEnabled bool
}

// New returns a ready-to-use BG96 vendor shim.
func New() *Vendor { return &Vendor{} }

func (v *Vendor) Name() string { return "quectel-bg96" }

func (v *Vendor) PowerPulse(ctx context.Context, power gpio.Line, on bool) error {
	pulse := powerOffPulse
	if on {
		pulse = powerOnPulse
	}
	if err := power.Assert(); err != nil {
		return err
	}
	select {
	case <-time.After(pulse):
	case <-ctx.Done():
		return ctx.Err()
	}
	return power.Deassert()
}

func (v *Vendor) PersistBaud(rate int) (at.Command, bool) {
	return at.Set("+IPR", at.Int(int64(rate))), true
}

func (v *Vendor) RegisterParsers(s *atsession.Session) {
	s.AddResponseParser("+QIRD", parseQIRD)
	s.AddOKTermination("CONNECT")
	s.AddOKTermination("SEND OK")
	s.AddErrorTermination("SEND FAIL")
}

// parseQIRD handles the "+QIRD: <len>\r\n<bytes>" framed binary payload
// contract: rest carries the ASCII length, and the payload immediately
// follows on the wire.
func parseQIRD(rest string, r *bufio.Reader) ([]any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("quectel: +QIRD length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return []any{buf}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (v *Vendor) Configure(ctx context.Context, s *atsession.Session, cfg config.Config) (changed, rebootRequired bool, err error) {
	if len(cfg.Bands) > 0 {
		mask := encodeBandMask(cfg.Bands)
		if _, err := s.SetCmd(ctx, "+QCFG", at.Str("band"), at.Int(0), at.Int(mask), at.Int(0)); err != nil {
			return false, false, fmt.Errorf("quectel: set band mask: %w", err)
		}
	}
	if cfg.APN != v.lastAPN {
		if _, err := s.SetCmd(ctx, "+CGDCONT", at.Int(1), at.Str("IP"), at.Str(cfg.APN)); err != nil {
			return false, false, fmt.Errorf("quectel: set APN: %w", err)
		}
		v.lastAPN = cfg.APN
		// The BG96 manual doesn't document this, but every observed
		// firmware revision needs a reboot after an APN change to pick
		// it up; skipping it leaves +QIACT failing silently.
		return true, true, nil
	}
	if cfg.PSMEnabled != v.psmURCEnabled {
		urc := int64(0)
		if cfg.PSMEnabled {
			urc = 1
		}
		if _, err := s.SetCmd(ctx, "+QCFG", at.Str("psm/urc"), at.Int(urc)); err != nil {
			return false, false, fmt.Errorf("quectel: set psm/urc: %w", err)
		}
		v.psmURCEnabled = cfg.PSMEnabled
		return true, false, nil
	}
	return false, false, nil
}

func (v *Vendor) SupportsGSM() bool { return false }

func (v *Vendor) OnConnected(ctx context.Context, s *atsession.Session) error {
	_, err := s.Send(ctx, at.Set("+QIACT", at.Int(1)).WithAbortable())
	return err
}

func (v *Vendor) SoftReset(ctx context.Context, s *atsession.Session) error {
	_, err := s.Action(ctx, "+CFUN=1,1")
	return err
}

func (v *Vendor) PowerOff(ctx context.Context, s *atsession.Session) error {
	_, err := s.SetCmd(ctx, "+QPOWD", at.Int(0))
	return err
}

func (v *Vendor) IsPoweredOff(ctx context.Context, power gpio.Line) (bool, error) {
	level, err := power.Level()
	if err != nil {
		return false, err
	}
	return !level, nil
}

func (v *Vendor) SocketIDRange() (int, int) { return socketIDLo, socketIDHi }

// RegisterSocketURCs wires +QIOPEN's completion report and +QIURC's
// "recv"/"closed"/"pdpdeact" notifications to the multiplexer.
func (v *Vendor) RegisterSocketURCs(s *atsession.Session, mux *socket.Multiplexer) {
	s.RegisterURC("+QIOPEN", func(line at.Line) {
		if len(line.Values) < 2 {
			return
		}
		id, ok1 := line.Values[0].(int64)
		code, ok2 := line.Values[1].(int64)
		if ok1 && ok2 {
			mux.HandleOpen(int(id), int(code))
		}
	})
	s.RegisterURC("+QIURC", func(line at.Line) {
		if len(line.Values) < 2 {
			return
		}
		tag, ok := line.Values[0].(string)
		if !ok {
			return
		}
		id, ok := line.Values[1].(int64)
		if !ok {
			return
		}
		switch tag {
		case "recv":
			mux.HandleReadable(int(id))
		case "closed":
			mux.HandleClosed(int(id))
		case "pdpdeact":
			mux.HandlePDPDeact(int(id))
		}
	})
}

func (v *Vendor) TCPHooks(mux *socket.Multiplexer) socket.Hooks {
	return socket.Hooks{
		MTU: mtu,
		Connect: func(ctx context.Context, s *atsession.Session, id int, peer string) error {
			host, port, err := splitHostPort(peer)
			if err != nil {
				return err
			}
			_, err = s.SetCmd(ctx, "+QIOPEN", at.Int(1), at.Int(int64(id)), at.Str("TCP"), at.Str(host), at.Int(int64(port)), at.Int(0), at.Int(0))
			return err
		},
		Read: func(ctx context.Context, s *atsession.Session, id int, max int) ([]byte, error) {
			result, err := s.SetCmd(ctx, "+QIRD", at.Int(int64(id)), at.Int(int64(max)))
			if err != nil {
				return nil, err
			}
			vals := result.Last()
			if len(vals) == 0 {
				return nil, nil
			}
			buf, _ := vals[0].([]byte)
			return buf, nil
		},
		Write: func(ctx context.Context, s *atsession.Session, id int, payload []byte) (int, error) {
			cmd := at.Set("+QISEND", at.Int(int64(id)), at.Int(int64(len(payload)))).WithData(payload)
			if _, err := s.Send(ctx, cmd); err != nil {
				return 0, err
			}
			return len(payload), nil
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+QICLOSE", at.Int(int64(id)))
			return err
		},
		DeactivatePDP: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+QIDEACT", at.Int(1))
			return err
		},
		IsBenignCloseRace: isOperationNotAllowed,
		OnFatal:           func(err error) { mux.Locker().CloseSession() },
	}
}

func (v *Vendor) UDPHooks(mux *socket.Multiplexer) socket.Hooks {
	return socket.Hooks{
		MTU: mtu,
		Send: func(ctx context.Context, s *atsession.Session, id int, addr string, payload []byte) error {
			host, port, err := splitHostPort(addr)
			if err != nil {
				return err
			}
			cmd := at.Set("+QISEND", at.Int(int64(id)), at.Int(int64(len(payload))), at.Str(host), at.Int(int64(port))).WithData(payload)
			_, err = s.Send(ctx, cmd)
			return err
		},
		Receive: func(ctx context.Context, s *atsession.Session, id int) (string, []byte, error) {
			result, err := s.SetCmd(ctx, "+QIRD", at.Int(int64(id)), at.Int(mtu))
			if err != nil {
				return "", nil, err
			}
			vals := result.Last()
			if len(vals) == 0 {
				return "", nil, nil
			}
			buf, _ := vals[0].([]byte)
			return "", buf, nil
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+QICLOSE", at.Int(int64(id)))
			return err
		},
		IsBenignCloseRace: isOperationNotAllowed,
		OnFatal:           func(err error) { mux.Locker().CloseSession() },
	}
}

// Resolve issues +QIDNSGIP and waits for the result on the async +QIURC
// "dnsgip" notification rather than the command's own response: Quectel
// reports DNS completion as a URC (first a "<err>,<count>,<ttl>" line, then
// one address line per resolved IP), delivered on the same +QIURC verb
// RegisterSocketURCs already subscribes for socket events. A temporary
// handler (duplicate +QIURC registrations are explicitly permitted) filters
// for the "dnsgip" tag and feeds a one-shot future, unregistered on return.
func (v *Vendor) Resolve(ctx context.Context, s *atsession.Session, host string) ([]string, error) {
	lineCh := make(chan at.Line, 8)
	sub := s.RegisterURC("+QIURC", func(line at.Line) {
		if len(line.Values) == 0 {
			return
		}
		if tag, ok := line.Values[0].(string); ok && tag == "dnsgip" {
			select {
			case lineCh <- line:
			default:
			}
		}
	})
	defer s.UnregisterURC(sub)

	if _, err := s.Send(ctx, at.Set("+QIDNSGIP", at.Int(1), at.Str(host)).WithAbortable()); err != nil {
		return nil, err
	}

	errCode, wantAddrs, err := quectelDNSHeader(ctx, lineCh)
	if err != nil {
		return nil, err
	}
	if errCode != 0 {
		return nil, &direrr.UnknownError{Code: int(errCode)}
	}
	var addrs []string
	for len(addrs) < wantAddrs {
		select {
		case line := <-lineCh:
			for _, val := range line.Values[1:] {
				if addr, ok := val.(string); ok {
					addrs = append(addrs, addr)
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(addrs) == 0 {
		return nil, &direrr.UnavailableError{Detail: "DNS lookup returned no address"}
	}
	return addrs, nil
}

// PSMWakeURC reports BG96's PSM-wake timer notification verb.
func (v *Vendor) PSMWakeURC() (string, bool) { return "+QPSMTIMER", true }

// quectelDNSHeader reads the dnsgip header line, "+QIURC: "dnsgip",<err>,<ipcount>,<ttl>".
func quectelDNSHeader(ctx context.Context, lineCh <-chan at.Line) (errCode int64, ipCount int, err error) {
	select {
	case line := <-lineCh:
		if len(line.Values) < 3 {
			return 0, 0, fmt.Errorf("quectel: malformed dnsgip header: %v", line.Values)
		}
		errCode, _ = line.Values[1].(int64)
		count, _ := line.Values[2].(int64)
		return errCode, int(count), nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func isOperationNotAllowed(err error) bool {
	var atErr *atsession.ATError
	if e, ok := err.(*atsession.ATError); ok {
		atErr = e
	}
	return atErr != nil && strings.Contains(atErr.Detail, "Operation not allowed")
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("quectel: address %q missing port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("quectel: address %q has invalid port: %w", addr, err)
	}
	return addr[:idx], port, nil
}

// encodeBandMask ORs together the bit for each 1-based LTE band number.
func encodeBandMask(bands []int) int64 {
	var mask int64
	for _, b := range bands {
		if b >= 1 && b <= 64 {
			mask |= 1 << uint(b-1)
		}
	}
	return mask
}
