// Package transport provides the datagram endpoints the dispatcher reads from
// and bundles are flushed to: UDP sockets obtained from a pion transport.Net
// (real or virtual) and an in-process network for co-located nodes and tests.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	pnet "github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"

	"github.com/1ureka/nub/internal/nub"
)

// DefaultMaxDatagramSize keeps a datagram inside one Ethernet frame
// (1500 - 20 IPv4 - 8 UDP).
const DefaultMaxDatagramSize = 1472

// Endpoint is a packet socket bound to a local address.
// ReadFrom blocks; it is only ever called from the endpoint's reader
// goroutine. WriteTo must not block.
type Endpoint interface {
	ReadFrom(p []byte) (n int, src nub.Address, err error)
	WriteTo(p []byte, dst nub.Address) error
	LocalAddr() nub.Address
	Close() error
}

// Connected is implemented by endpoints that reach exactly one peer, such as
// a WebRTC DataChannel. Sends to that peer are routed through them.
type Connected interface {
	Endpoint
	Peer() nub.Address
}

// UDPEndpoint is an Endpoint over a UDP socket.
type UDPEndpoint struct {
	conn   net.PacketConn
	local  nub.Address
	closed atomic.Bool
}

// ListenUDP binds a UDP endpoint on addr ("ip:port"). A nil nw uses the
// operating system's network stack.
func ListenUDP(nw pnet.Net, addr string) (*UDPEndpoint, error) {
	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("failed to open network stack: %w", err)
		}
		nw = std
	}

	conn, err := nw.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewUDPEndpoint(conn), nil
}

// NewUDPEndpoint wraps an already bound packet connection.
func NewUDPEndpoint(conn net.PacketConn) *UDPEndpoint {
	return &UDPEndpoint{
		conn:  conn,
		local: nub.AddressFromNet(conn.LocalAddr()),
	}
}

// ReadFrom receives one datagram.
func (e *UDPEndpoint) ReadFrom(p []byte) (int, nub.Address, error) {
	n, from, err := e.conn.ReadFrom(p)
	if err != nil {
		if e.closed.Load() || errors.Is(err, net.ErrClosed) {
			return 0, nub.None, nub.Wrap(nub.ShuttingDown, e.local, err)
		}
		return 0, nub.None, nub.Wrap(nub.GeneralError, e.local, err)
	}
	return n, nub.AddressFromNet(from), nil
}

// WriteTo sends one datagram to dst.
func (e *UDPEndpoint) WriteTo(p []byte, dst nub.Address) error {
	if e.closed.Load() {
		return nub.NewError(nub.ShuttingDown, dst)
	}
	if _, err := e.conn.WriteTo(p, dst.UDPAddr()); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nub.Wrap(nub.NoSuchPort, dst, err)
		}
		return nub.Wrap(nub.SendFailed, dst, err)
	}
	return nil
}

// LocalAddr returns the bound address.
func (e *UDPEndpoint) LocalAddr() nub.Address { return e.local }

// Close closes the socket, unblocking ReadFrom.
func (e *UDPEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.conn.Close()
}
