//go:build linux

// File: transport/sockaddr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
)

func domainOf(f api.Family) int {
	if f == api.FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func zoneID(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if n, err := strconv.Atoi(zone); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}

// toSockaddr converts a, which must be valid. An unspecified IP yields the
// wildcard of fam.
func toSockaddr(fam api.Family, a api.Address) unix.Sockaddr {
	if fam == api.FamilyIPv6 {
		sa := &unix.SockaddrInet6{Port: int(a.Port)}
		if a.IP.IsValid() {
			sa.Addr = a.IP.As16()
			sa.ZoneId = zoneID(a.IP.Zone())
		}
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	if a.IP.IsValid() && a.IP.Is4() {
		sa.Addr = a.IP.As4()
	}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) api.Address {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return api.AddressFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 && ip.Is6() && !ip.Is4In6() {
			ip = ip.WithZone(strconv.Itoa(int(sa.ZoneId)))
		}
		return api.AddressFrom(ip, uint16(sa.Port))
	}
	return api.Address{}
}

func localAddress(fd int) api.Address {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return api.Address{}
	}
	return fromSockaddr(sa)
}
