package ublox

import (
	"context"
	"testing"
	"time"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular/config"
	"github.com/toitware/cellular/socket"
	"github.com/toitware/cellular/transport"
)

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("198.51.100.7:1883")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "198.51.100.7" || port != 1883 {
		t.Fatalf("expected 198.51.100.7:1883, got %s:%d", host, port)
	}
	if _, _, err := splitHostPort("no-port"); err == nil {
		t.Fatal("expected an error for an address with no port")
	}
}

func TestURATCode(t *testing.T) {
	cases := map[config.RAT]int64{
		config.RATLTEM:  7,
		config.RATNBIoT: 8,
		config.RATGSM:   9,
	}
	for rat, want := range cases {
		if got := uraTCode(rat); got != want {
			t.Errorf("rat %d: expected code %d, got %d", rat, want, got)
		}
	}
}

func TestEncodeBandMask(t *testing.T) {
	mask := encodeBandMask([]int{1, 2, 20})
	want := int64(1<<0 | 1<<1 | 1<<19)
	if mask != want {
		t.Fatalf("expected mask %d, got %d", want, mask)
	}
}

func TestPreferredRAT(t *testing.T) {
	if got := preferredRAT(nil); got != 0 {
		t.Fatalf("expected zero value for no preference, got %d", got)
	}
	if got := preferredRAT([]config.RAT{config.RATNBIoT, config.RATLTEM}); got != config.RATNBIoT {
		t.Fatalf("expected first preference to win, got %d", got)
	}
}

func newTestSession(t *testing.T) (*atsession.Session, *transport.Fake, func()) {
	t.Helper()
	fake := transport.NewFake()
	sess := atsession.New(fake, at.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	return sess, fake, func() {
		cancel()
		<-runErr
	}
}

// TestRegisterSocketURCsHandlesConnect confirms +UUSOCO unblocks a pending
// Connect.
func TestRegisterSocketURCsHandlesConnect(t *testing.T) {
	sess, fake, cleanup := newTestSession(t)
	defer cleanup()

	v := New()
	v.RegisterParsers(sess)
	locker := atsession.NewLocker(sess)
	mux := socket.NewMultiplexer(locker, socketIDLo, socketIDHi, nil)
	v.RegisterSocketURCs(sess, mux)

	hooks := v.TCPHooks(mux)
	hooks.Connect = func(ctx context.Context, s *atsession.Session, id int, peer string) error {
		return nil
	}
	sock, err := socket.NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		fake.Feed("+UUSOCO: " + itoaTest(sock.ID()) + "\r")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sock.Connect(ctx, "198.51.100.7:1883"); err != nil {
		t.Fatalf("expected connect to succeed once +UUSOCO arrives, got %v", err)
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}
