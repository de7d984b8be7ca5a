// Package netiface implements the network-interface facade (C8): DNS
// resolution serialized through a mutex, and socket construction wired to
// the session machine's vendor and multiplexer.
package netiface

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/direrr"
	"github.com/toitware/cellular/socket"
)

// Machine is the subset of cellular.Machine the facade needs: enough to
// build sockets and issue DNS lookups without importing the cellular
// package (which already imports netiface's sibling packages), avoiding an
// import cycle.
type Machine interface {
	Locker() *atsession.Locker
	Multiplexer() *socket.Multiplexer
	Resolve(ctx context.Context, host string) ([]string, error)
}

// Interface is the network-interface facade applications hold once a
// Machine has reached Attached.
type Interface struct {
	machine Machine

	dnsMu sync.Mutex
	// tcpConnectMu, when non-nil, serializes TCP connects: some vendors
	// (u-blox) permit only one connecting TCP socket in flight.
	tcpConnectMu *sync.Mutex

	tcpHooks socket.Hooks
	udpHooks socket.Hooks
}

// Option configures an Interface at construction time.
type Option func(*Interface)

// WithSingleFlightTCPConnect serializes TCPConnect calls through a shared
// mutex, required for vendors that can only track one in-flight TCP
// connect at a time (u-blox SARA-R4/R5).
func WithSingleFlightTCPConnect() Option {
	return func(i *Interface) { i.tcpConnectMu = &sync.Mutex{} }
}

// New returns a facade over machine, using tcpHooks/udpHooks to construct
// sockets through machine's multiplexer.
func New(machine Machine, tcpHooks, udpHooks socket.Hooks, opts ...Option) *Interface {
	i := &Interface{machine: machine, tcpHooks: tcpHooks, udpHooks: udpHooks}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Resolve returns host unchanged if it is already an IP literal; otherwise
// it issues the vendor's DNS lookup verb, serialized so only one
// resolution is in flight at a time.
func (i *Interface) Resolve(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	i.dnsMu.Lock()
	defer i.dnsMu.Unlock()
	addrs, err := i.machine.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("netiface: resolve %q: %w", host, err)
	}
	return addrs, nil
}

// TCPConnect resolves peer's host portion, allocates a socket, and
// connects it.
func (i *Interface) TCPConnect(ctx context.Context, peer string) (*socket.TCPSocket, error) {
	host, port, err := net.SplitHostPort(peer)
	if err != nil {
		return nil, fmt.Errorf("netiface: %w", err)
	}
	addrs, err := i.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	resolved := net.JoinHostPort(addrs[0], port)

	if i.tcpConnectMu != nil {
		i.tcpConnectMu.Lock()
		defer i.tcpConnectMu.Unlock()
	}

	sock, err := socket.NewTCPSocket(i.machine.Multiplexer(), i.machine.Locker(), i.tcpHooks)
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(ctx, resolved); err != nil {
		return nil, err
	}
	return sock, nil
}

// UDPOpen allocates a UDP socket ready for Send/Receive; it does not
// resolve or bind any peer.
func (i *Interface) UDPOpen(ctx context.Context) (*socket.UDPSocket, error) {
	return socket.NewUDPSocket(i.machine.Multiplexer(), i.machine.Locker(), i.udpHooks)
}

// TCPListen is not supported by this driver: cellular modems in this
// family expose no incoming-connection AT verb.
func (i *Interface) TCPListen(ctx context.Context, port int) error {
	return direrr.ErrUnimplemented
}
