package cellular_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/direrr"
	"github.com/toitware/cellular/gpio"
	"github.com/toitware/cellular/socket"
	"github.com/toitware/cellular/store"
	"github.com/toitware/cellular/transport"
)

// fakeVendor is a minimal cellular.Vendor for exercising Machine's
// lifecycle without any chip-specific quirks.
type fakeVendor struct {
	supportsGSM bool
}

func (fakeVendor) Name() string { return "fake" }

func (fakeVendor) PowerPulse(ctx context.Context, power gpio.Line, on bool) error {
	if err := power.Assert(); err != nil {
		return err
	}
	if !on {
		return power.Deassert()
	}
	return power.Deassert()
}

func (fakeVendor) PersistBaud(rate int) (at.Command, bool) { return at.Command{}, false }

func (fakeVendor) RegisterParsers(s *atsession.Session) {}

func (fakeVendor) Configure(ctx context.Context, s *atsession.Session, cfg config.Config) (bool, bool, error) {
	return false, false, nil
}

func (v fakeVendor) SupportsGSM() bool { return v.supportsGSM }

func (fakeVendor) OnConnected(ctx context.Context, s *atsession.Session) error { return nil }

func (fakeVendor) SoftReset(ctx context.Context, s *atsession.Session) error { return nil }

func (fakeVendor) PowerOff(ctx context.Context, s *atsession.Session) error { return nil }

func (fakeVendor) IsPoweredOff(ctx context.Context, power gpio.Line) (bool, error) { return true, nil }

func (fakeVendor) SocketIDRange() (int, int) { return 0, 5 }

func (fakeVendor) RegisterSocketURCs(s *atsession.Session, mux *socket.Multiplexer) {}

func (fakeVendor) TCPHooks(mux *socket.Multiplexer) socket.Hooks { return socket.Hooks{} }
func (fakeVendor) UDPHooks(mux *socket.Multiplexer) socket.Hooks { return socket.Hooks{} }

func (fakeVendor) Resolve(ctx context.Context, s *atsession.Session, host string) ([]string, error) {
	return nil, nil
}

func (fakeVendor) PSMWakeURC() (string, bool) { return "", false }

// fakeDialer hands out a single pre-built transport.Fake, or fails if err
// is set.
type fakeDialer struct {
	tr  *transport.Fake
	err error
}

func (d fakeDialer) Dial(ctx context.Context) (transport.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

// waitForCommand blocks until fake's written bytes past prevLen contain
// want, then returns the new length, for a test's scripted responder to
// know where to look for the next command.
func waitForCommand(t *testing.T, fake *transport.Fake, prevLen int, want string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := fake.Written()
		if len(w) > prevLen && strings.Contains(w[prevLen:], want) {
			return len(w)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for a command containing %q, saw %q", want, fake.Written()[prevLen:])
	return prevLen
}

func testConfig() config.Config {
	cfg := config.Config{}
	config.WithDefaults()(&cfg)
	cfg.Power = gpio.Pin{Number: 0, Mode: gpio.ActiveHigh}
	cfg.Reset = gpio.Pin{Number: 1, Mode: gpio.ActiveHigh}
	return cfg
}

// TestOpenReachesAttached drives a Machine through its full lifecycle
// against a scripted fake transport and asserts it reaches Attached,
// resetting the persistent failure counter on success.
func TestOpenReachesAttached(t *testing.T) {
	fake := transport.NewFake()
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()
	bucket.Set("attempts", 3)

	m := cellular.New(fakeVendor{}, fakeDialer{tr: fake}, bank, testConfig(), cellular.WithBucket(bucket))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.Open(ctx)
	}()

	n := waitForCommand(t, fake, 0, "AT\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "ATE0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CMEE=2\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CPIN?\r")
	fake.Feed("\r\n+CPIN: READY\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CFUN=0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CPSMS=0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CFUN=1\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+COPS\r")
	fake.Feed("\r\nOK\r\n")

	fake.Feed("\r\n+CEREG: 1\r\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Open returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Open to return")
	}

	if m.State() != cellular.Attached {
		t.Fatalf("expected state Attached, got %s", m.State())
	}
	if attempts, _ := bucket.Get("attempts"); attempts != 0 {
		t.Fatalf("expected the failure counter to reset to 0, got %d", attempts)
	}
	if m.Multiplexer() == nil {
		t.Fatal("expected a socket multiplexer once attached")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Close(closeCtx); err != nil {
		t.Fatalf("unexpected error from Close: %v", err)
	}
	if !bank.Line(0).Released() {
		t.Error("expected the power line to be released on Close")
	}
}

// TestOpenFailsFastOnRegistrationDenied confirms a +CEREG: 3 URC aborts
// registerAndAttach immediately with direrr.ErrRegistrationDenied, rather
// than leaving the caller waiting out the full registration timeout.
func TestOpenFailsFastOnRegistrationDenied(t *testing.T) {
	fake := transport.NewFake()
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()

	m := cellular.New(fakeVendor{}, fakeDialer{tr: fake}, bank, testConfig(), cellular.WithBucket(bucket))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.Open(ctx)
	}()

	n := waitForCommand(t, fake, 0, "AT\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "ATE0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CMEE=2\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CPIN?\r")
	fake.Feed("\r\n+CPIN: READY\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CFUN=0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CPSMS=0\r")
	fake.Feed("\r\nOK\r\n")

	n = waitForCommand(t, fake, n, "AT+CFUN=1\r")
	fake.Feed("\r\nOK\r\n")

	waitForCommand(t, fake, n, "AT+COPS\r")
	fake.Feed("\r\nOK\r\n")

	fake.Feed("\r\n+CEREG: 3\r\n")

	select {
	case err := <-done:
		if !errors.Is(err, direrr.ErrRegistrationDenied) {
			t.Fatalf("expected direrr.ErrRegistrationDenied, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registration denial did not fail Open promptly; it appears to have waited out the registration timeout instead")
	}
}

// countingVendor wraps fakeVendor to record SoftReset/PowerOff calls, for
// asserting the auto-reset policy's N/2N cadence.
type countingVendor struct {
	fakeVendor
	softResets *int
	powerOffs  *int
}

func (v countingVendor) SoftReset(ctx context.Context, s *atsession.Session) error {
	*v.softResets++
	return nil
}

func (v countingVendor) PowerOff(ctx context.Context, s *atsession.Session) error {
	*v.powerOffs++
	return nil
}

// failOpenAtBaudProbe drives a Machine through power-on and session start,
// then lets baud discovery exhaust its sweeps without ever observing an OK,
// so Open fails with m.sess already non-nil (the precondition for the
// auto-reset policy's SoftReset/PowerOff hooks to fire at all).
func failOpenAtBaudProbe(t *testing.T, m *cellular.Machine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Open(ctx); err == nil {
		t.Fatal("expected baud discovery to fail when the modem never answers")
	}
}

// TestAutoResetSoftResetAtN confirms the auto-reset policy issues a soft
// reset when the failure counter reaches N=8, per scenario F.
func TestAutoResetSoftResetAtN(t *testing.T) {
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()
	bucket.Set("attempts", 7)
	var softResets, powerOffs int
	vendor := countingVendor{softResets: &softResets, powerOffs: &powerOffs}

	m := cellular.New(vendor, fakeDialer{tr: transport.NewFake()}, bank, testConfig(), cellular.WithBucket(bucket))
	failOpenAtBaudProbe(t, m)

	if attempts, _ := bucket.Get("attempts"); attempts != 8 {
		t.Fatalf("expected attempts to reach 8, got %d", attempts)
	}
	if softResets != 1 {
		t.Fatalf("expected exactly one soft reset at attempts=8, got %d", softResets)
	}
	if powerOffs != 0 {
		t.Fatalf("expected no power-off at attempts=8, got %d", powerOffs)
	}
}

// TestAutoResetPowerOffAt2N confirms the auto-reset policy issues a
// power-off when the failure counter reaches 2N=16, per scenario F.
func TestAutoResetPowerOffAt2N(t *testing.T) {
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()
	bucket.Set("attempts", 15)
	var softResets, powerOffs int
	vendor := countingVendor{softResets: &softResets, powerOffs: &powerOffs}

	m := cellular.New(vendor, fakeDialer{tr: transport.NewFake()}, bank, testConfig(), cellular.WithBucket(bucket))
	failOpenAtBaudProbe(t, m)

	if attempts, _ := bucket.Get("attempts"); attempts != 16 {
		t.Fatalf("expected attempts to reach 16, got %d", attempts)
	}
	if powerOffs != 1 {
		t.Fatalf("expected exactly one power-off at attempts=16, got %d", powerOffs)
	}
	if softResets != 0 {
		t.Fatalf("expected no soft reset at attempts=16 (2N takes priority over N), got %d", softResets)
	}
}

// TestOpenRecordsFailureOnDialError confirms a failed Open bumps the
// persistent attempts counter without ever touching the AT session.
func TestOpenRecordsFailureOnDialError(t *testing.T) {
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()

	m := cellular.New(fakeVendor{}, fakeDialer{err: errors.New("no such device")}, bank, testConfig(), cellular.WithBucket(bucket))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Open(ctx); err == nil {
		t.Fatal("expected an error when the dialer fails")
	}

	attempts, _ := bucket.Get("attempts")
	if attempts != 1 {
		t.Fatalf("expected the failure counter to record one attempt, got %d", attempts)
	}
	if m.State() != cellular.Powering {
		t.Fatalf("expected state to remain Powering after a dial failure (Close is the only path back to Off), got %s", m.State())
	}
}

// psmWakeVendor wraps fakeVendor to advertise a PSM-wake URC verb, the way
// the Quectel shim advertises +QPSMTIMER.
type psmWakeVendor struct {
	fakeVendor
}

func (psmWakeVendor) PSMWakeURC() (string, bool) { return "+QPSMTIMER", true }

// TestConnectPSMReattaches drives a Machine to Attached, then calls
// ConnectPSM and confirms it re-attaches via +COPS/+CEREG alone — no
// power pulse, baud probe or configuration traffic — matching scenario
// E's "re-attach via the normal registration-latch path" behavior.
func TestConnectPSMReattaches(t *testing.T) {
	fake := transport.NewFake()
	bank := gpio.NewFakeBank()
	bucket := store.NewMemory()

	cfg := testConfig()
	config.WithPSM(time.Hour, time.Minute)(&cfg)

	m := cellular.New(psmWakeVendor{}, fakeDialer{tr: fake}, bank, cfg, cellular.WithBucket(bucket))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.Open(ctx)
	}()

	n := waitForCommand(t, fake, 0, "AT\r")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "ATE0\r")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+CMEE=2\r")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+CPIN?\r")
	fake.Feed("\r\n+CPIN: READY\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+CFUN=0\r")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+CPSMS=1,")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+CFUN=1\r")
	fake.Feed("\r\nOK\r\n")
	n = waitForCommand(t, fake, n, "AT+COPS\r")
	fake.Feed("\r\nOK\r\n")
	fake.Feed("\r\n+CEREG: 1\r\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Open returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Open to return")
	}

	reconnect := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reconnect <- m.ConnectPSM(ctx)
	}()

	n = waitForCommand(t, fake, n, "AT+COPS\r")
	fake.Feed("\r\nOK\r\n")
	fake.Feed("\r\n+CEREG: 1\r\n")

	select {
	case err := <-reconnect:
		if err != nil {
			t.Fatalf("ConnectPSM returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ConnectPSM to return")
	}

	if m.State() != cellular.Attached {
		t.Fatalf("expected state Attached after ConnectPSM, got %s", m.State())
	}
	written := fake.Written()
	if strings.Contains(written[n:], "+CFUN") || strings.Contains(written[n:], "+CPIN") {
		t.Fatalf("ConnectPSM should not re-run power-on/configure traffic, saw %q", written[n:])
	}
}
