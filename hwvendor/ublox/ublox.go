// Package ublox implements the cellular.Vendor shim for the u-blox
// SARA-R4/R5 family: AT verb names, PDP profile bookkeeping, and the
// +USOCTL-based outbound back-pressure query specific to that chip.
package ublox

import (
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
	powerOffPulse = 1500 * time.Millisecond

	socketIDLo = 0
	socketIDHi = 11

	mtu = 1024

	// pdpProfile is the fixed PDP context profile id this driver uses;
	// u-blox exposes several but the driver only ever needs one.
	pdpProfile = 0

	// usoctlOutboundParam is the +USOCTL query parameter that reports the
	// socket's outbound (unacknowledged) byte count.
	usoctlOutboundParam = 11
)

// Vendor is the u-blox SARA-R4/R5 cellular.Vendor implementation.
type Vendor struct {
	lastAPN  string
	lastRAT  config.RAT
	lastBand []int
	lastPSM  bool
}

// New returns a ready-to-use SARA-R4/R5 vendor shim.
func New() *Vendor { return &Vendor{} }

func (v *Vendor) Name() string { return "ublox-sara" }

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

// PersistBaud reports no persist verb: SARA modules pick their runtime baud
// back up from NVM automatically on the next +UART configuration, which
// this driver doesn't touch, so there is nothing to persist here.
func (v *Vendor) PersistBaud(rate int) (at.Command, bool) {
	return at.Command{}, false
}

func (v *Vendor) RegisterParsers(s *atsession.Session) {
	s.AddOKTermination("CONNECT")
}

func (v *Vendor) Configure(ctx context.Context, s *atsession.Session, cfg config.Config) (changed, rebootRequired bool, err error) {
	if len(cfg.Bands) > 0 && !sameInts(cfg.Bands, v.lastBand) {
		if err := v.setBandMask(ctx, s, cfg.Bands); err != nil {
			return false, false, err
		}
		v.lastBand = cfg.Bands
		changed = true
	}
	if rat := preferredRAT(cfg.RATs); rat != 0 && rat != v.lastRAT {
		if _, err := s.SetCmd(ctx, "+URAT", at.Int(int64(uraTCode(rat)))); err != nil {
			return false, false, fmt.Errorf("ublox: set RAT: %w", err)
		}
		v.lastRAT = rat
		changed = true
		rebootRequired = true
	}
	if cfg.APN != "" && cfg.APN != v.lastAPN {
		if _, err := s.SetCmd(ctx, "+UPSD", at.Int(pdpProfile), at.Int(1), at.Str(cfg.APN)); err != nil {
			return false, false, fmt.Errorf("ublox: set APN: %w", err)
		}
		v.lastAPN = cfg.APN
		changed = true
	}
	if cfg.PSMEnabled != v.lastPSM {
		mode := int64(0)
		if cfg.PSMEnabled {
			mode = 4 // deep PSM, modem-controlled wake
		}
		if _, err := s.SetCmd(ctx, "+UPSV", at.Int(mode)); err != nil {
			return false, false, fmt.Errorf("ublox: set power saving mode: %w", err)
		}
		v.lastPSM = cfg.PSMEnabled
		changed = true
	}
	return changed, rebootRequired, nil
}

// setBandMask writes +UBANDMASK as <rat>,<bitmask> pairs: one 64-bit
// bitmask per radio access technology, rather than treating every other
// argument as an independent mask or splitting a single RAT's mask across
// two arguments. This follows the u-blox AT command manual's documented
// +UBANDMASK=<rat1>,<bitmask1>[,<rat2>,<bitmask2>] syntax for SARA-R4/R5.
func (v *Vendor) setBandMask(ctx context.Context, s *atsession.Session, bands []int) error {
	mask := encodeBandMask(bands)
	_, err := s.SetCmd(ctx, "+UBANDMASK", at.Int(int64(uraTCode(config.RATLTEM))), at.Int(mask))
	if err != nil {
		return fmt.Errorf("ublox: set band mask: %w", err)
	}
	return nil
}

func (v *Vendor) SupportsGSM() bool { return false }

func (v *Vendor) OnConnected(ctx context.Context, s *atsession.Session) error {
	_, err := s.Send(ctx, at.Set("+UPSDA", at.Int(pdpProfile), at.Int(3)).WithAbortable())
	return err
}

// PSMWakeURC reports that SARA-R4/R5 surfaces no distinct PSM-wake
// notification; the application learns the module has woken by observing
// traffic on the UART and re-registration, not a URC.
func (v *Vendor) PSMWakeURC() (string, bool) { return "", false }

func (v *Vendor) SoftReset(ctx context.Context, s *atsession.Session) error {
	_, err := s.Action(ctx, "+CFUN=1,1")
	return err
}

func (v *Vendor) PowerOff(ctx context.Context, s *atsession.Session) error {
	_, err := s.Action(ctx, "+CPWROFF")
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

// RegisterSocketURCs wires the +UUSOCO/+UUSORD/+UUSORF/+UUSOCL URCs to the
// multiplexer.
func (v *Vendor) RegisterSocketURCs(s *atsession.Session, mux *socket.Multiplexer) {
	s.RegisterURC("+UUSOCO", func(line at.Line) {
		if len(line.Values) < 1 {
			return
		}
		if id, ok := line.Values[0].(int64); ok {
			mux.HandleOpen(int(id), 0)
		}
	})
	readable := func(line at.Line) {
		if len(line.Values) < 1 {
			return
		}
		if id, ok := line.Values[0].(int64); ok {
			mux.HandleReadable(int(id))
		}
	}
	s.RegisterURC("+UUSORD", readable)
	s.RegisterURC("+UUSORF", readable)
	s.RegisterURC("+UUSOCL", func(line at.Line) {
		if len(line.Values) < 1 {
			return
		}
		if id, ok := line.Values[0].(int64); ok {
			mux.HandleClosed(int(id))
		}
	})
}

func (v *Vendor) TCPHooks(mux *socket.Multiplexer) socket.Hooks {
	return socket.Hooks{
		MTU: mtu,
		Connect: func(ctx context.Context, s *atsession.Session, id int, peer string) error {
			if _, err := s.SetCmd(ctx, "+USOCR", at.Int(6)); err != nil {
				return err
			}
			host, port, err := splitHostPort(peer)
			if err != nil {
				return err
			}
			_, err = s.SetCmd(ctx, "+USOCO", at.Int(int64(id)), at.Str(host), at.Int(int64(port)))
			return err
		},
		Read: func(ctx context.Context, s *atsession.Session, id int, max int) ([]byte, error) {
			result, err := s.SetCmd(ctx, "+USORD", at.Int(int64(id)), at.Int(int64(max)))
			if err != nil {
				return nil, err
			}
			vals := result.Last()
			if len(vals) == 0 {
				return nil, nil
			}
			buf, _ := vals[len(vals)-1].([]byte)
			return buf, nil
		},
		Write: func(ctx context.Context, s *atsession.Session, id int, payload []byte) (int, error) {
			cmd := at.Set("+USOWR", at.Int(int64(id)), at.Int(int64(len(payload)))).WithData(payload)
			if _, err := s.Send(ctx, cmd); err != nil {
				return 0, err
			}
			return len(payload), nil
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+USOCL", at.Int(int64(id)))
			return err
		},
		OutboundBuffered: func(ctx context.Context, s *atsession.Session, id int) (int, error) {
			result, err := s.SetCmd(ctx, "+USOCTL", at.Int(int64(id)), at.Int(usoctlOutboundParam))
			if err != nil {
				return 0, err
			}
			vals := result.Last()
			if len(vals) == 0 {
				return 0, nil
			}
			n, _ := vals[len(vals)-1].(int64)
			return int(n), nil
		},
		IsBenignCloseRace: isSocketNotOpen,
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
			cmd := at.Set("+USOST", at.Int(int64(id)), at.Str(host), at.Int(int64(port)), at.Int(int64(len(payload)))).WithData(payload)
			_, err = s.Send(ctx, cmd)
			return err
		},
		Receive: func(ctx context.Context, s *atsession.Session, id int) (string, []byte, error) {
			result, err := s.SetCmd(ctx, "+USORF", at.Int(int64(id)), at.Int(mtu))
			if err != nil {
				return "", nil, err
			}
			vals := result.Last()
			if len(vals) < 3 {
				return "", nil, nil
			}
			host, _ := vals[0].(string)
			buf, _ := vals[len(vals)-1].([]byte)
			return host, buf, nil
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+USOCL", at.Int(int64(id)))
			return err
		},
		IsBenignCloseRace: isSocketNotOpen,
		OnFatal:           func(err error) { mux.Locker().CloseSession() },
	}
}

func (v *Vendor) Resolve(ctx context.Context, s *atsession.Session, host string) ([]string, error) {
	result, err := s.SetCmd(ctx, "+UDNSRN", at.Int(0), at.Str(host))
	if err != nil {
		return nil, err
	}
	vals := result.Last()
	if len(vals) == 0 {
		return nil, &direrr.UnavailableError{Detail: "DNS lookup returned no address"}
	}
	addr, ok := vals[0].(string)
	if !ok || addr == "" {
		return nil, &direrr.UnavailableError{Detail: "DNS lookup returned no address"}
	}
	return []string{addr}, nil
}

func isSocketNotOpen(err error) bool {
	var atErr *atsession.ATError
	if e, ok := err.(*atsession.ATError); ok {
		atErr = e
	}
	return atErr != nil && strings.Contains(atErr.Detail, "not usable")
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("ublox: address %q missing port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("ublox: address %q has invalid port: %w", addr, err)
	}
	return addr[:idx], port, nil
}

func preferredRAT(rats []config.RAT) config.RAT {
	if len(rats) == 0 {
		return 0
	}
	return rats[0]
}

// uraTCode maps a config.RAT to the +URAT/+UBANDMASK numeric RAT code.
func uraTCode(rat config.RAT) int64 {
	switch rat {
	case config.RATLTEM:
		return 7
	case config.RATNBIoT:
		return 8
	case config.RATGSM:
		return 9
	default:
		return 7
	}
}

func encodeBandMask(bands []int) int64 {
	var mask int64
	for _, b := range bands {
		if b >= 1 && b <= 64 {
			mask |= 1 << uint(b-1)
		}
	}
	return mask
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
