package socket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/direrr"
	"github.com/toitware/cellular/transport"
)

func newTestLocker(t *testing.T) (*atsession.Locker, func()) {
	t.Helper()
	fake := transport.NewFake()
	sess := atsession.New(fake, at.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	return atsession.NewLocker(sess), func() {
		cancel()
		<-runErr
	}
}

func TestMultiplexerAllocateLowestFreeID(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 2, nil)

	e0, err := mux.Allocate(KindTCP)
	if err != nil || e0.ID != 0 {
		t.Fatalf("expected id 0, got %+v, err %v", e0, err)
	}
	e1, err := mux.Allocate(KindTCP)
	if err != nil || e1.ID != 1 {
		t.Fatalf("expected id 1, got %+v, err %v", e1, err)
	}

	mux.Release(e0.ID)
	e2, err := mux.Allocate(KindTCP)
	if err != nil || e2.ID != 0 {
		t.Fatalf("expected reused id 0, got %+v, err %v", e2, err)
	}
}

func TestMultiplexerResourceExhausted(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 0, nil)

	if _, err := mux.Allocate(KindTCP); err != nil {
		t.Fatalf("unexpected error on first allocate: %v", err)
	}
	if _, err := mux.Allocate(KindTCP); !errors.Is(err, direrr.ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestTCPConnectFailureLeavesNoEntry(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	hooks := Hooks{
		MTU: 1460,
		Connect: func(ctx context.Context, s *atsession.Session, id int, peer string) error {
			go func() {
				time.Sleep(5 * time.Millisecond)
				mux.HandleOpen(id, 566)
			}()
			return nil
		},
	}
	sock, err := NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = sock.Connect(context.Background(), "93.184.216.34:80")
	var unknown *direrr.UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownError, got %v", err)
	}
	if unknown.Code != 566 {
		t.Errorf("expected code 566, got %d", unknown.Code)
	}
	if _, ok := mux.Get(sock.ID()); ok {
		t.Error("expected no entry in map after failed connect")
	}
}

func TestTCPConnectSuccess(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	hooks := Hooks{
		MTU: 1460,
		Connect: func(ctx context.Context, s *atsession.Session, id int, peer string) error {
			go func() {
				time.Sleep(5 * time.Millisecond)
				mux.HandleOpen(id, 0)
			}()
			return nil
		},
	}
	sock, err := NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sock.Connect(context.Background(), "93.184.216.34:80"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	if _, ok := mux.Get(sock.ID()); !ok {
		t.Error("expected entry to remain in map after successful connect")
	}
}

func TestTCPTryWriteMTUChunking(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	var written [][]byte
	hooks := Hooks{
		MTU: 4,
		Connect: func(ctx context.Context, s *atsession.Session, id int, peer string) error {
			go func() {
				time.Sleep(5 * time.Millisecond)
				mux.HandleOpen(id, 0)
			}()
			return nil
		},
		Write: func(ctx context.Context, s *atsession.Session, id int, payload []byte) (int, error) {
			cp := append([]byte(nil), payload...)
			written = append(written, cp)
			return len(cp), nil
		},
	}
	sock, err := NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sock.Connect(context.Background(), "93.184.216.34:80"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	n, err := sock.TryWrite(context.Background(), []byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("expected 4 bytes written in one call, got n=%d err=%v", n, err)
	}

	n, err = sock.TryWrite(context.Background(), []byte("abcde"))
	if err != nil || n != 4 {
		t.Fatalf("expected write capped to MTU (4), got n=%d err=%v", n, err)
	}
	if len(written) != 2 || len(written[1]) != 4 {
		t.Fatalf("expected second AT transaction capped to MTU, got %#v", written)
	}
}

func TestTCPCloseIsIdempotentAndReleases(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	closeCalls := 0
	hooks := Hooks{
		MTU: 1460,
		Close: func(ctx context.Context, s *atsession.Session, id int) error {
			closeCalls++
			return nil
		},
	}
	sock, err := NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := sock.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := sock.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
	if closeCalls != 1 {
		t.Errorf("expected exactly one AT close transaction, got %d", closeCalls)
	}
	if _, ok := mux.Get(sock.ID()); ok {
		t.Error("expected entry removed from map")
	}
}

func TestTCPReadAndTryWriteFailFastWhenNotConnected(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	hooks := Hooks{MTU: 1460}
	sock, err := NewTCPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := sock.Read(ctx); !errors.Is(err, direrr.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Read, got %v", err)
	}
	if _, err := sock.TryWrite(ctx, []byte("x")); !errors.Is(err, direrr.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from TryWrite, got %v", err)
	}
}

func TestUDPSendRejectsOversizedPayload(t *testing.T) {
	locker, cleanup := newTestLocker(t)
	defer cleanup()
	mux := NewMultiplexer(locker, 0, 1, nil)

	hooks := Hooks{MTU: 4}
	sock, err := NewUDPSocket(mux, locker, hooks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = sock.Send(context.Background(), "10.0.0.1:9999", []byte("toolong"))
	if !errors.Is(err, direrr.ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}
