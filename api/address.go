// Package api
// Author: momentics <momentics@gmail.com>
//
// Socket address tagged union shared by every transport role.

package api

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Family discriminates the Address variants.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// Address is a peer identity or local binding. Family is always set; IP is
// the zero netip.Addr for FamilyUnspec.
type Address struct {
	Family Family
	IP     netip.Addr
	Port   uint16
}

// AddressFrom builds an Address from ip and port, deriving the family.
// IPv4-mapped IPv6 addresses are unmapped to IPv4.
func AddressFrom(ip netip.Addr, port uint16) Address {
	if !ip.IsValid() {
		return Address{}
	}
	ip = ip.Unmap()
	fam := FamilyIPv6
	if ip.Is4() {
		fam = FamilyIPv4
	}
	return Address{Family: fam, IP: ip, Port: port}
}

// AddressFromNetIP converts a net.IP, used for interface enumeration.
func AddressFromNetIP(ip net.IP, port uint16) Address {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Address{}
	}
	return AddressFrom(a, port)
}

// ParseAddress parses a literal IPv4 or IPv6 address, with an optional IPv6
// zone. No name resolution is attempted.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, Wrap(ErrCodeInvalidArgument, "parse address", err).WithContext("address", s)
	}
	return AddressFrom(ip, 0), nil
}

// ParseAddressPort parses "host:port" where host is a literal address.
func ParseAddressPort(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, Wrap(ErrCodeInvalidArgument, "parse address", err).WithContext("address", s)
	}
	return AddressFrom(ap.Addr(), ap.Port()), nil
}

// WithPort returns a copy of a with the port replaced.
func (a Address) WithPort(port uint16) Address {
	a.Port = port
	return a
}

// IsValid reports whether a carries an IPv4 or IPv6 address.
func (a Address) IsValid() bool {
	return a.Family != FamilyUnspec && a.IP.IsValid()
}

// AddrPort returns the netip form.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// String prints the bare address when no port is set.
func (a Address) String() string {
	if !a.IsValid() {
		return fmt.Sprintf("address type %d", a.Family)
	}
	if a.Port == 0 {
		return a.IP.String()
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}
