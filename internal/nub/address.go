// Package nub holds the value types shared by every layer of the transport:
// the peer Address and the Reason-carrying Error.
package nub

import (
	"fmt"
	"net"
	"net/netip"
)

// Address identifies a peer endpoint by IP and port. It is comparable, so it
// can be used as a map key, and its zero value is None.
type Address struct {
	ip   netip.Addr
	port uint16
}

// None is the sentinel "no address" value.
var None = Address{}

// NewAddress builds an Address. IPv4-mapped IPv6 addresses are unmapped so the
// same host always compares equal.
func NewAddress(ip netip.Addr, port uint16) Address {
	return Address{ip: ip.Unmap(), port: port}
}

// ParseAddress parses "ip:port" (IPv6 in brackets).
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return None, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return NewAddress(ap.Addr(), ap.Port()), nil
}

// AddressFromNet converts a *net.UDPAddr (or anything exposing an AddrPort)
// into an Address. Unknown address types yield None.
func AddressFromNet(a net.Addr) Address {
	switch v := a.(type) {
	case *net.UDPAddr:
		return NewAddress(v.AddrPort().Addr(), v.AddrPort().Port())
	case *net.TCPAddr:
		return NewAddress(v.AddrPort().Addr(), v.AddrPort().Port())
	case interface{ AddrPort() netip.AddrPort }:
		ap := v.AddrPort()
		return NewAddress(ap.Addr(), ap.Port())
	}
	return None
}

// IP returns the host part.
func (a Address) IP() netip.Addr { return a.ip }

// Port returns the port part.
func (a Address) Port() uint16 { return a.port }

// IsNone reports whether a is the None sentinel.
func (a Address) IsNone() bool { return !a.ip.IsValid() && a.port == 0 }

// AddrPort returns the address as a netip.AddrPort.
func (a Address) AddrPort() netip.AddrPort { return netip.AddrPortFrom(a.ip, a.port) }

// UDPAddr returns the address as a *net.UDPAddr for socket calls.
func (a Address) UDPAddr() *net.UDPAddr { return net.UDPAddrFromAddrPort(a.AddrPort()) }

// Compare orders addresses by IP, then port. None sorts first.
func (a Address) Compare(b Address) int {
	if c := a.ip.Compare(b.ip); c != 0 {
		return c
	}
	switch {
	case a.port < b.port:
		return -1
	case a.port > b.port:
		return 1
	}
	return 0
}

// Less reports whether a sorts strictly before b.
func (a Address) Less(b Address) bool { return a.Compare(b) < 0 }

func (a Address) String() string {
	if a.IsNone() {
		return "none"
	}
	return a.AddrPort().String()
}
