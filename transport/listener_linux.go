//go:build linux

// File: transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening sockets: UDP unicast, UDP multicast and TCP accept.

package transport

import (
	"fmt"
	"net"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/pool"
)

const listenBacklog = unix.SOMAXCONN

// SetupListener validates cfg, opens and binds the socket and registers it
// with loop. Datagram handlers are required; Connected fires for every
// accepted stream connection. Errors are returned before anything is
// registered, so no partial Comm is ever exposed.
func SetupListener(loop *ioloop.Loop, cfg ListenerConfig, h Handlers, context any) (*Comm, error) {
	addrs, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if h.Datagram == nil {
		return nil, invalidListener(cfg.Name, "datagram handler is required")
	}

	sotype := unix.SOCK_DGRAM
	if cfg.Protocol == ProtocolTCP {
		sotype = unix.SOCK_STREAM
	}
	fd, err := unix.Socket(domainOf(cfg.Family), sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeBind, "socket create", err).WithContext("listener", cfg.Name)
	}
	if err := configureListener(fd, &cfg, addrs); err != nil {
		unix.Close(fd)
		return nil, api.Wrap(api.ErrCodeBind, "listener setup", err).
			WithContext("listener", cfg.Name).
			WithContext("port", cfg.Port)
	}

	io, err := loop.NewIO(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	alloc := loop.Messages()
	if cfg.MaxMessageSize > 0 {
		alloc = pool.NewMessagePool(cfg.MaxMessageSize)
	}
	local := localAddress(fd)

	var c *Comm
	switch {
	case cfg.Protocol == ProtocolTCP:
		c = newComm(loop, io, cfg.Name, RoleTCPListener, h, alloc, context)
		ls := &listenState{local: local, tls: cfg.TLS}
		c.state = ls
		tlsConfig := cfg.TLSConfig
		io.OnRead = func(*ioloop.IO) { c.accept(ls, tlsConfig) }
	default:
		role := RoleUDPListener
		if addrs.group.IsValid() {
			role = RoleUDPMulticast
		}
		c = newComm(loop, io, cfg.Name, role, h, alloc, context)
		group := addrs.group
		if group.IsValid() && group.Port == 0 {
			group.Port = local.Port
		}
		ds := &datagramState{local: local, group: group, pending: queue.New()}
		if cfg.Family == api.FamilyIPv6 {
			ds.oob = ipv6.NewControlMessage(ipv6.FlagDst | ipv6.FlagInterface)
		} else {
			ds.oob = ipv4.NewControlMessage(ipv4.FlagDst | ipv4.FlagInterface)
		}
		c.state = ds
		io.OnRead = func(*ioloop.IO) { c.readDatagram(ds) }
		io.OnWrite = func(*ioloop.IO) { c.flushDatagrams(ds) }
	}
	if err := io.SetWantRead(true); err != nil {
		c.Free()
		return nil, api.Wrap(api.ErrCodeInit, "register listener", err).WithContext("listener", cfg.Name)
	}
	c.log.WithFields(logrus.Fields{
		"local": local.String(),
		"role":  c.role.String(),
		"tls":   cfg.TLS,
	}).Info("listener ready")
	return c, nil
}

func configureListener(fd int, cfg *ListenerConfig, addrs resolved) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if cfg.Protocol == ProtocolUDP {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if cfg.Family == api.FamilyIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if cfg.Protocol == ProtocolUDP {
		if err := enablePacketInfo(fd, cfg.Family); err != nil {
			return err
		}
	}

	// Multicast listeners bind the wildcard so group traffic is received.
	bind := addrs.bind.WithPort(cfg.Port)
	if addrs.group.IsValid() {
		bind = api.Address{Family: cfg.Family, Port: cfg.Port}
	}
	if err := unix.Bind(fd, toSockaddr(cfg.Family, bind)); err != nil {
		return fmt.Errorf("bind %s: %w", bind, err)
	}
	if addrs.group.IsValid() {
		if err := joinGroup(fd, addrs.group); err != nil {
			return err
		}
	}
	if cfg.Protocol == ProtocolTCP {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	return nil
}

func enablePacketInfo(fd int, fam api.Family) error {
	if fam == api.FamilyIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return fmt.Errorf("IPV6_RECVPKTINFO: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("IP_PKTINFO: %w", err)
	}
	return nil
}

// joinGroup joins group on every up, multicast-capable interface. When
// none accepts the membership the kernel's default interface is tried.
func joinGroup(fd int, group api.Address) error {
	ifaces, _ := net.Interfaces()
	joined := 0
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if joinOn(fd, group, ifi.Index) == nil {
			joined++
		}
	}
	if joined > 0 {
		return nil
	}
	if err := joinOn(fd, group, 0); err != nil {
		return fmt.Errorf("join %s: %w", group.IP, err)
	}
	return nil
}

func joinOn(fd int, group api.Address, ifindex int) error {
	if group.Family == api.FamilyIPv6 {
		mreq := &unix.IPv6Mreq{Interface: uint32(ifindex)}
		mreq.Multiaddr = group.IP.As16()
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	}
	mreq := &unix.IPMreqn{Multiaddr: group.IP.As4(), Ifindex: int32(ifindex)}
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
}
