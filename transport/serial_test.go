package transport

import (
	"context"
	"errors"
	"testing"

	"go.bug.st/serial"
	"go.uber.org/mock/gomock"
)

func TestSerialDialer_Dial_EmptyPortName(t *testing.T) {
	dialer := SerialDialer{PortName: ""}

	transport, err := dialer.Dial(context.Background())
	if !errors.Is(err, ErrPortNameRequired) {
		t.Errorf("expected ErrPortNameRequired, got: %v", err)
	}
	if transport != nil {
		t.Error("expected nil transport for empty port name")
	}
}

func TestSerialDialer_Dial_NilContext(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/ttyUSB0"}

	transport, err := dialer.Dial(nil) //nolint:staticcheck // exercising the guard explicitly
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("expected ErrNilContext, got: %v", err)
	}
	if transport != nil {
		t.Error("expected nil transport for nil context")
	}
}

func TestSerialDialer_Dial_ContextCanceled(t *testing.T) {
	dialer := SerialDialer{PortName: "/dev/nonexistent"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport, err := dialer.Dial(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if transport != nil {
		t.Error("expected nil transport for canceled context")
	}
}

func TestSerialDialer_Dial_NonexistentPort(t *testing.T) {
	dialer := SerialDialer{
		PortName: "/dev/nonexistent",
		Mode: &serial.Mode{
			BaudRate: 115200,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		},
	}

	transport, err := dialer.Dial(context.Background())
	if err == nil {
		t.Error("expected error for non-existent port")
	}
	if transport != nil {
		t.Error("expected nil transport for non-existent port")
	}
}

func TestTransportInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockTransport := NewMockTransport(ctrl)
	var _ Transport = mockTransport

	data := []byte("AT\r")
	mockTransport.EXPECT().Write(data).Return(len(data), nil)
	mockTransport.EXPECT().Read(gomock.Any()).Return(4, nil)
	mockTransport.EXPECT().SetBaudRate(115200).Return(nil)
	mockTransport.EXPECT().Close().Return(nil)

	if n, err := mockTransport.Write(data); err != nil || n != len(data) {
		t.Errorf("unexpected Write result: n=%d err=%v", n, err)
	}
	if n, err := mockTransport.Read(make([]byte, 10)); err != nil || n != 4 {
		t.Errorf("unexpected Read result: n=%d err=%v", n, err)
	}
	if err := mockTransport.SetBaudRate(115200); err != nil {
		t.Errorf("unexpected SetBaudRate error: %v", err)
	}
	if err := mockTransport.Close(); err != nil {
		t.Errorf("unexpected Close error: %v", err)
	}
}

func TestDialerInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDialer := NewMockDialer(ctrl)
	mockTransport := NewMockTransport(ctrl)
	var _ Dialer = mockDialer

	ctx := context.Background()
	mockDialer.EXPECT().Dial(ctx).Return(mockTransport, nil)

	transport, err := mockDialer.Dial(ctx)
	if err != nil {
		t.Errorf("unexpected dial error: %v", err)
	}
	if transport != mockTransport {
		t.Error("expected mock transport to be returned")
	}
}
