// Package sequans implements the cellular.Vendor shim for the Sequans
// Monarch family: AT verb names, timeout constants and socket-lifecycle
// URC translation specific to that chip.
package sequans

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
	powerPulse = 1500 * time.Millisecond

	socketIDLo = 1
	socketIDHi = 6

	mtu = 1500

	// ringTrailingLines is the number of context lines +SQNSRING carries
	// after its own information line: the remote peer address.
	ringTrailingLines = 1
)

// Vendor is the Sequans Monarch cellular.Vendor implementation.
type Vendor struct {
	lastAPN  string
	lastRAT  int
	lastBand []int
	lastPSM  bool
	log      SlowWriteLogger
}

// SlowWriteLogger receives an advisory when +SQNSSENDEXT takes longer than
// the session's default command timeout to complete. Nil is a valid,
// silent logger.
type SlowWriteLogger interface {
	SlowWrite(id int, elapsed time.Duration)
}

// New returns a ready-to-use Sequans Monarch vendor shim. log may be nil.
func New(log SlowWriteLogger) *Vendor { return &Vendor{log: log} }

func (v *Vendor) Name() string { return "sequans-monarch" }

func (v *Vendor) PowerPulse(ctx context.Context, power gpio.Line, on bool) error {
	if err := power.Assert(); err != nil {
		return err
	}
	select {
	case <-time.After(powerPulse):
	case <-ctx.Done():
		return ctx.Err()
	}
	return power.Deassert()
}

// PersistBaud reports no persist verb: Monarch reverts to its default baud
// on reset, so the machine must re-probe every power cycle.
func (v *Vendor) PersistBaud(rate int) (at.Command, bool) {
	return at.Command{}, false
}

func (v *Vendor) RegisterParsers(s *atsession.Session) {
	s.AddOKTermination("CONNECT")
	// +SQNSRING carries the remote address on the line right after its
	// own information line.
	s.Registry().RegisterTrailing("+SQNSRING", ringTrailingLines)
}

func (v *Vendor) Configure(ctx context.Context, s *atsession.Session, cfg config.Config) (changed, rebootRequired bool, err error) {
	if len(cfg.Bands) > 0 && !sameInts(cfg.Bands, v.lastBand) {
		if _, err := s.SetCmd(ctx, "+SQNBANDSEL", at.Int(0), at.Str(joinInts(cfg.Bands))); err != nil {
			return false, false, fmt.Errorf("sequans: set band selection: %w", err)
		}
		v.lastBand = cfg.Bands
		changed = true
	}
	if rat := selectRAT(cfg.RATs); rat != v.lastRAT {
		if _, err := s.SetCmd(ctx, "+SQNIBRCFG", at.Str("RAT"), at.Int(int64(rat))); err != nil {
			return false, false, fmt.Errorf("sequans: set RAT: %w", err)
		}
		v.lastRAT = rat
		changed = true
	}
	if cfg.APN != "" && cfg.APN != v.lastAPN {
		if _, err := s.SetCmd(ctx, "+CGDCONT", at.Int(1), at.Str("IP"), at.Str(cfg.APN)); err != nil {
			return false, false, fmt.Errorf("sequans: set APN: %w", err)
		}
		v.lastAPN = cfg.APN
		changed = true
	}
	if cfg.PSMEnabled != v.lastPSM {
		onOff := int64(0)
		if cfg.PSMEnabled {
			onOff = 1
		}
		if _, err := s.SetCmd(ctx, "+SQNIPSCFG", at.Int(onOff)); err != nil {
			return false, false, fmt.Errorf("sequans: set psm config: %w", err)
		}
		v.lastPSM = cfg.PSMEnabled
		changed = true
	}
	return changed, false, nil
}

func (v *Vendor) SupportsGSM() bool { return false }

func (v *Vendor) OnConnected(ctx context.Context, s *atsession.Session) error {
	_, err := s.Send(ctx, at.Set("+SQNSD", at.Int(1), at.Int(0), at.Int(0), at.Str(""), at.Int(0), at.Int(0), at.Int(1)).WithAbortable())
	return err
}

// PSMWakeURC reports that Monarch has no dedicated PSM-wake notification;
// ConnectPSM falls back to the registration-latch wait alone.
func (v *Vendor) PSMWakeURC() (string, bool) { return "", false }

func (v *Vendor) SoftReset(ctx context.Context, s *atsession.Session) error {
	_, err := s.Action(ctx, "+CFUN=1,1")
	return err
}

func (v *Vendor) PowerOff(ctx context.Context, s *atsession.Session) error {
	_, err := s.Action(ctx, "+SQNSSHDN")
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

// RegisterSocketURCs wires +SQNSRING's connection-oriented ring notice and
// +SQNSH's close notice to the multiplexer.
func (v *Vendor) RegisterSocketURCs(s *atsession.Session, mux *socket.Multiplexer) {
	s.RegisterURC("+SQNSRING", func(line at.Line) {
		if len(line.Values) < 1 {
			return
		}
		if id, ok := line.Values[0].(int64); ok {
			mux.HandleReadable(int(id))
		}
	})
	s.RegisterURC("+SQNSH", func(line at.Line) {
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
			host, port, err := splitHostPort(peer)
			if err != nil {
				return err
			}
			_, err = s.SetCmd(ctx, "+SQNSD", at.Int(int64(id)), at.Int(0), at.Int(int64(port)), at.Str(host), at.Int(0), at.Int(0), at.Int(1))
			return err
		},
		Read: func(ctx context.Context, s *atsession.Session, id int, max int) ([]byte, error) {
			result, err := s.SetCmd(ctx, "+SQNSRECV", at.Int(int64(id)), at.Int(int64(max)))
			if err != nil {
				return nil, err
			}
			return decodeHexPayload(result.Last())
		},
		Write: func(ctx context.Context, s *atsession.Session, id int, payload []byte) (int, error) {
			start := time.Now()
			cmd := at.Set("+SQNSSENDEXT", at.Int(int64(id)), at.Int(int64(len(payload)))).WithData(payload)
			_, err := s.Send(ctx, cmd)
			if elapsed := time.Since(start); elapsed > s.DefaultTimeout() && v.log != nil {
				v.log.SlowWrite(id, elapsed)
			}
			if err != nil {
				return 0, err
			}
			return len(payload), nil
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+SQNSH", at.Int(int64(id)))
			return err
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
			cmd := at.Set("+SQNSD", at.Int(int64(id)), at.Int(1), at.Int(int64(port)), at.Str(host), at.Int(0), at.Int(0), at.Int(1)).WithData(payload)
			_, err = s.Send(ctx, cmd)
			return err
		},
		Receive: func(ctx context.Context, s *atsession.Session, id int) (string, []byte, error) {
			result, err := s.SetCmd(ctx, "+SQNSRECV", at.Int(int64(id)), at.Int(mtu))
			if err != nil {
				return "", nil, err
			}
			buf, err := decodeHexPayload(result.Last())
			return "", buf, err
		},
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			_, err := s.SetCmd(ctx, "+SQNSH", at.Int(int64(id)))
			return err
		},
		IsBenignCloseRace: isSocketNotOpen,
		OnFatal:           func(err error) { mux.Locker().CloseSession() },
	}
}

func (v *Vendor) Resolve(ctx context.Context, s *atsession.Session, host string) ([]string, error) {
	result, err := s.SetCmd(ctx, "+SQNDNSLKUP", at.Str(host))
	if err != nil {
		return nil, err
	}
	vals := result.Last()
	if len(vals) < 2 {
		return nil, &direrr.UnavailableError{Detail: "DNS lookup returned no address"}
	}
	var addrs []string
	for _, v := range vals[1:] {
		if addr, ok := v.(string); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, &direrr.UnavailableError{Detail: "DNS lookup returned no address"}
	}
	return addrs, nil
}

func isSocketNotOpen(err error) bool {
	var atErr *atsession.ATError
	if e, ok := err.(*atsession.ATError); ok {
		atErr = e
	}
	return atErr != nil && strings.Contains(atErr.Detail, "not opened")
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("sequans: address %q missing port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("sequans: address %q has invalid port: %w", addr, err)
	}
	return addr[:idx], port, nil
}

// decodeHexPayload turns +SQNSRECV's hex-encoded byte string back into raw
// bytes.
func decodeHexPayload(vals []any) ([]byte, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	hexStr, ok := vals[len(vals)-1].(string)
	if !ok || hexStr == "" {
		return nil, nil
	}
	if len(hexStr)%2 != 0 {
		return nil, fmt.Errorf("sequans: odd-length hex payload")
	}
	buf := make([]byte, len(hexStr)/2)
	for i := range buf {
		b, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("sequans: decode hex payload: %w", err)
		}
		buf[i] = byte(b)
	}
	return buf, nil
}

func selectRAT(rats []config.RAT) int {
	for _, r := range rats {
		if r == config.RATLTEM {
			return 0
		}
		if r == config.RATNBIoT {
			return 1
		}
	}
	return 0
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

func joinInts(vs []int) string {
	var b strings.Builder
	for i, v := range vs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}
