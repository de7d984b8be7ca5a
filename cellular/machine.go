package cellular

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/direrr"
	"github.com/toitware/cellular/gpio"
	"github.com/toitware/cellular/socket"
	"github.com/toitware/cellular/store"
	"github.com/toitware/cellular/transport"
)

const (
	attemptsKey = "attempts"
	// N is the auto-reset policy's soft-reset threshold; 2N is the
	// power-off threshold.
	autoResetN = 8

	baudPingTimeout  = 250 * time.Millisecond
	maxBaudSweeps    = 5
	simPollInterval  = 250 * time.Millisecond
	simPollAttempts  = 40
	maxConfigureLoop = 5
	registerTimeout  = 2 * time.Minute
	quiescentSettle  = 100 * time.Millisecond
)

// registrationDone carries the outcome of a +CEREG/+CGREG wait: either a
// successful stat (1 home, 5 roaming) or a non-retryable err. Stat 3
// (denied) and stat 80 (connection lost) both carry
// direrr.ErrRegistrationDenied; only the log line tells them apart.
type registrationDone struct {
	stat  int64
	isLTE bool
	err   error
}

// Machine drives one modem through its full lifecycle: power-on, baud
// discovery, SIM wait, configuration, radio/registration/attach, running
// the socket multiplexer, and clean power-down, plus the persistent
// failure-counter auto-reset policy.
type Machine struct {
	vendor Vendor
	dialer transport.Dialer
	bank   gpio.Bank
	bucket store.Bucket
	cfg    config.Config
	log    *zap.Logger

	state     State
	sessState SessionState

	tr        transport.Transport
	sess      *atsession.Session
	locker    *atsession.Locker
	mux       *socket.Multiplexer
	runCancel context.CancelFunc
	runDone   chan error

	powerLine gpio.Line
	resetLine gpio.Line

	signalCh chan int
	regCh    chan registrationDone
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithLogger installs a structured logger; the default is a no-op logger.
func WithLogger(log *zap.Logger) Option { return func(m *Machine) { m.log = log } }

// WithBucket overrides the persistent attempts counter store; the default
// is an in-memory store.Memory, suitable only for tests.
func WithBucket(b store.Bucket) Option { return func(m *Machine) { m.bucket = b } }

// New constructs a Machine for the given vendor over transport dialed by
// dialer, driving GPIO pins resolved from bank per cfg.
func New(vendor Vendor, dialer transport.Dialer, bank gpio.Bank, cfg config.Config, opts ...Option) *Machine {
	m := &Machine{
		vendor:   vendor,
		dialer:   dialer,
		bank:     bank,
		bucket:   store.NewMemory(),
		cfg:      cfg,
		log:      zap.NewNop(),
		state:    Off,
		signalCh: make(chan int, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State { return m.state }

// SignalQuality returns a best-effort channel of +CSQ RSSI readings,
// forwarded from the URC dispatch path with no additional AT traffic.
// Receives are non-blocking on the producer side: a slow consumer misses
// intermediate readings rather than stalling the session.
func (m *Machine) SignalQuality() <-chan int { return m.signalCh }

// Locker exposes the AT Locker for socket construction by netiface.
func (m *Machine) Locker() *atsession.Locker { return m.locker }

// Multiplexer exposes the live socket multiplexer once Attached.
func (m *Machine) Multiplexer() *socket.Multiplexer { return m.mux }

// Vendor exposes the vendor shim, for netiface's Resolve/socket-hook glue.
func (m *Machine) Vendor() Vendor { return m.vendor }

// Resolve issues the vendor's DNS lookup verb under the AT lock, satisfying
// netiface.Machine.
func (m *Machine) Resolve(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	err := m.locker.Do(func(s *atsession.Session) error {
		var resolveErr error
		addrs, resolveErr = m.vendor.Resolve(ctx, s, host)
		return resolveErr
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Open drives the modem from Off to Attached. On failure it records the
// attempt against the persistent counter and applies the auto-reset
// policy before returning.
func (m *Machine) Open(ctx context.Context) error {
	attempts, _ := m.bucket.Get(attemptsKey)
	m.log.Info("cellular: opening", zap.Uint32("attempts", attempts), zap.String("vendor", m.vendor.Name()))

	if err := m.openLocked(ctx); err != nil {
		m.recordFailure(ctx)
		return err
	}
	m.bucket.Set(attemptsKey, 0)
	m.sessState.AttemptsSinceSuccess = 0
	return nil
}

func (m *Machine) openLocked(ctx context.Context) error {
	if err := m.powerOn(ctx); err != nil {
		return err
	}
	if err := m.startSession(ctx); err != nil {
		return err
	}
	if err := m.probeBaud(ctx); err != nil {
		return err
	}
	if err := m.readySession(ctx); err != nil {
		return err
	}
	if err := m.configure(ctx); err != nil {
		return err
	}
	m.state = RadioOn
	if _, err := m.sess.SetCmd(ctx, "+CFUN", at.Int(1)); err != nil {
		return fmt.Errorf("cellular: radio on: %w", err)
	}
	if err := m.registerAndAttach(ctx); err != nil {
		return err
	}
	m.state = Attached
	lo, hi := m.socketIDRange()
	m.mux = socket.NewMultiplexer(m.locker, lo, hi, m.log)
	m.vendor.RegisterSocketURCs(m.sess, m.mux)
	m.startSignalTap()
	return nil
}

func (m *Machine) socketIDRange() (int, int) {
	lo, hi := m.vendor.SocketIDRange()
	return lo, hi
}

func (m *Machine) powerOn(ctx context.Context) error {
	m.state = Powering
	var err error
	if m.powerLine, err = m.bank.Open(m.cfg.Power); err != nil {
		return fmt.Errorf("cellular: open power pin: %w", err)
	}
	if m.resetLine, err = m.bank.Open(m.cfg.Reset); err != nil {
		return fmt.Errorf("cellular: open reset pin: %w", err)
	}
	return m.vendor.PowerPulse(ctx, m.powerLine, true)
}

func (m *Machine) startSession(ctx context.Context) error {
	tr, err := m.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("cellular: dial transport: %w", err)
	}
	m.tr = tr
	m.sess = atsession.New(tr, at.NewRegistry(), atsession.WithLogger(m.log))
	m.vendor.RegisterParsers(m.sess)
	m.locker = atsession.NewLocker(m.sess)

	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.runDone = make(chan error, 1)
	go func() { m.runDone <- m.sess.Run(runCtx) }()
	return nil
}

func (m *Machine) probeBaud(ctx context.Context) error {
	m.state = BaudProbing
	rates := m.cfg.UARTBaudRate
	if len(rates) == 0 {
		rates = []int{115200}
	}
	for sweep := 0; sweep < maxBaudSweeps; sweep++ {
		for i, rate := range rates {
			if err := m.tr.SetBaudRate(rate); err != nil {
				continue
			}
			ping := at.RawCommand("AT").WithTimeout(int(baudPingTimeout / time.Millisecond))
			if _, err := m.sess.Send(ctx, ping); err != nil {
				continue
			}
			if i != 0 {
				if cmd, ok := m.vendor.PersistBaud(rates[0]); ok {
					m.sess.Send(ctx, cmd)
					m.tr.SetBaudRate(rates[0])
				}
			}
			return nil
		}
	}
	return fmt.Errorf("cellular: baud discovery: %w", direrr.ErrClosed)
}

func (m *Machine) readySession(ctx context.Context) error {
	m.state = Ready
	if _, err := m.sess.Action(ctx, "E0"); err != nil {
		return fmt.Errorf("cellular: disable echo: %w", err)
	}
	if _, err := m.sess.SetCmd(ctx, "+CMEE", at.Int(2)); err != nil {
		return fmt.Errorf("cellular: enable verbose errors: %w", err)
	}
	for i := 0; i < simPollAttempts; i++ {
		result, err := m.sess.Read(ctx, "+CPIN")
		if err == nil {
			if vals := result.Last(); len(vals) > 0 {
				if s, ok := vals[0].(string); ok && s == "READY" {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(simPollInterval):
		}
	}
	return fmt.Errorf("cellular: SIM not ready after %d polls", simPollAttempts)
}

func (m *Machine) configure(ctx context.Context) error {
	m.state = Configuring
	if _, err := m.sess.SetCmd(ctx, "+CFUN", at.Int(0)); err != nil {
		return fmt.Errorf("cellular: radio offline for config: %w", err)
	}
	for pass := 0; pass < maxConfigureLoop; pass++ {
		changed, reboot, err := m.vendor.Configure(ctx, m.sess, m.cfg)
		if err != nil {
			return fmt.Errorf("cellular: configure: %w", err)
		}
		if reboot {
			if err := m.vendor.SoftReset(ctx, m.sess); err != nil {
				return fmt.Errorf("cellular: configure soft reset: %w", err)
			}
			continue
		}
		if !changed {
			return m.configurePSM(ctx)
		}
	}
	return fmt.Errorf("cellular: configuration did not converge after %d passes", maxConfigureLoop)
}

// configurePSM issues the common +CPSMS request once the vendor-specific
// configuration pass has converged. +CPSMS is a plain 3GPP verb shared by
// all three vendor families; vendor-specific companion settings (Quectel's
// +QCFG "psm/urc", u-blox's +UPSV, Sequans' +SQNIPSCFG) are applied inside
// each vendor's own Configure pass, which runs before this. A modem that
// rejects +CPSMS outright (firmware without PSM support) logs a warning
// rather than failing the whole connect attempt, since PSM is an
// optimization the rest of the session doesn't depend on.
func (m *Machine) configurePSM(ctx context.Context) error {
	if !m.cfg.PSMEnabled {
		if _, err := m.sess.SetCmd(ctx, "+CPSMS", at.Int(0)); err != nil {
			m.log.Warn("cellular: +CPSMS=0 rejected, continuing", zap.Error(err))
		}
		return nil
	}
	tau := encodeGPRSTimer3(m.cfg.PSMPeriodicTAU)
	active := encodeGPRSTimer2(m.cfg.PSMActiveTime)
	_, err := m.sess.SetCmd(ctx, "+CPSMS", at.Int(1), at.Null(), at.Null(), at.Str(tau), at.Str(active))
	if err != nil {
		m.log.Warn("cellular: +CPSMS rejected, continuing without PSM", zap.Error(err))
		return nil
	}
	return nil
}

// ConnectPSM re-attaches a modem waking from PSM sleep: the byte pipe and
// AT session survived the sleep (PSM leaves the radio registered while the
// application processor and modem doze), so this skips power-on, baud
// discovery and configuration and goes straight to the registration-latch
// wait. It registers the vendor's PSM-wake URC handler (§8 scenario E);
// duplicate registrations across repeated PSM wake cycles are silently
// tolerated, matching atsession.RegisterURC's own duplicate-registration
// contract, so no guard against calling this more than once is needed.
func (m *Machine) ConnectPSM(ctx context.Context) error {
	if m.sess == nil {
		return fmt.Errorf("cellular: connect_psm: %w", direrr.ErrClosed)
	}
	if verb, ok := m.vendor.PSMWakeURC(); ok {
		sub := m.sess.RegisterURC(verb, func(at.Line) {
			m.log.Debug("cellular: PSM wake timer notification", zap.String("verb", verb))
		})
		defer m.sess.UnregisterURC(sub)
	}
	if err := m.registerAndAttach(ctx); err != nil {
		m.recordFailure(ctx)
		return err
	}
	m.state = Attached
	m.bucket.Set(attemptsKey, 0)
	m.sessState.AttemptsSinceSuccess = 0
	return nil
}

func (m *Machine) registerAndAttach(ctx context.Context) error {
	m.state = Registering
	m.regCh = make(chan registrationDone, 2)

	lteSub := m.sess.RegisterURC("+CEREG", m.onRegistration(true))
	defer m.sess.UnregisterURC(lteSub)
	var gsmSub atsession.Subscription
	if m.vendor.SupportsGSM() {
		gsmSub = m.sess.RegisterURC("+CGREG", m.onRegistration(false))
		defer m.sess.UnregisterURC(gsmSub)
	}

	if _, err := m.sess.Send(ctx, at.Action("+COPS").WithAbortable()); err != nil {
		m.log.Warn("cellular: +COPS returned an error, continuing to wait for registration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	select {
	case done := <-m.regCh:
		if done.err != nil {
			return fmt.Errorf("cellular: registration: %w", done.err)
		}
		m.sessState.IsLTE = done.isLTE
		m.sessState.UsePSM = m.cfg.PSMEnabled && done.isLTE
		return m.vendor.OnConnected(ctx, m.sess)
	case <-ctx.Done():
		return fmt.Errorf("cellular: registration: %w", ctx.Err())
	}
}

func (m *Machine) onRegistration(isLTE bool) atsession.URCHandler {
	return func(line at.Line) {
		if len(line.Values) == 0 {
			return
		}
		stat, ok := line.Values[len(line.Values)-1].(int64)
		if !ok {
			return
		}
		switch stat {
		case 1, 5:
			select {
			case m.regCh <- registrationDone{stat: stat, isLTE: isLTE}:
			default:
			}
		case 3:
			m.log.Warn("cellular: registration denied", zap.Bool("lte", isLTE))
			select {
			case m.regCh <- registrationDone{stat: stat, isLTE: isLTE, err: direrr.ErrRegistrationDenied}:
			default:
			}
		case 80:
			m.log.Warn("cellular: connection lost", zap.Bool("lte", isLTE))
			select {
			case m.regCh <- registrationDone{stat: stat, isLTE: isLTE, err: direrr.ErrRegistrationDenied}:
			default:
			}
		}
	}
}

func (m *Machine) startSignalTap() {
	m.sess.RegisterURC("+CSQ", func(line at.Line) {
		if len(line.Values) == 0 {
			return
		}
		rssi, ok := line.Values[0].(int64)
		if !ok {
			return
		}
		select {
		case m.signalCh <- int(rssi):
		default:
		}
	})
}

func (m *Machine) recordFailure(ctx context.Context) {
	attempts, _ := m.bucket.Get(attemptsKey)
	attempts = (attempts + 1) % 65536
	m.bucket.Set(attemptsKey, attempts)
	m.sessState.FailedToConnect = true
	m.sessState.AttemptsSinceSuccess = attempts

	switch {
	case attempts%(2*autoResetN) == 0:
		m.log.Warn("cellular: auto-reset policy: power-off", zap.Uint32("attempts", attempts))
		if m.sess != nil {
			m.vendor.PowerOff(ctx, m.sess)
		}
	case attempts%autoResetN == 0:
		m.log.Warn("cellular: auto-reset policy: soft reset", zap.Uint32("attempts", attempts))
		if m.sess != nil {
			m.vendor.SoftReset(ctx, m.sess)
		}
	}
}

// Close tears the modem down cleanly: closes every socket, powers off or
// enters PSM as appropriate, waits for the power pin to settle,
// and releases the transport and GPIO lines.
func (m *Machine) Close(ctx context.Context) error {
	m.state = Detaching
	if m.mux != nil {
		m.mux.CloseAll()
	}
	if m.locker != nil && m.sess != nil {
		err := m.locker.Do(func(s *atsession.Session) error {
			if m.sessState.UsePSM && m.sessState.IsLTE {
				return nil // PSM sleep: leave the radio registered, do nothing further.
			}
			return m.vendor.PowerOff(ctx, s)
		})
		if err != nil {
			m.log.Warn("cellular: power-off command failed", zap.Error(err))
		}
	}

	m.state = Closing
	if m.sess != nil {
		m.sess.Close()
	}
	if m.runCancel != nil {
		m.runCancel()
		<-m.runDone
	}

	var powerErr, resetErr error
	if m.powerLine != nil {
		if off, err := m.vendor.IsPoweredOff(ctx, m.powerLine); err == nil && !off {
			m.vendor.PowerPulse(ctx, m.powerLine, false)
		}
		gpio.WaitQuiescent(ctx, m.powerLine, quiescentSettle, 10*time.Millisecond)
		powerErr = m.powerLine.Release()
	}
	if m.resetLine != nil {
		resetErr = m.resetLine.Release()
	}
	m.state = Off
	return errors.Join(powerErr, resetErr)
}
