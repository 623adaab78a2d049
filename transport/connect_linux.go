//go:build linux

// File: transport/connect_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/tls"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

// ConnectToHost starts a non-blocking stream connection to remote. When
// tlsConfig is non-nil the connection runs TLS. Connected fires once the
// connection (and handshake) completes; Disconnected fires with the cause
// on failure, peer close or I/O error, after which the comm is freed.
func ConnectToHost(loop *ioloop.Loop, remote api.Address, tlsConfig *tls.Config, h Handlers, context any) (*Comm, error) {
	if !remote.IsValid() || remote.Port == 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "invalid remote address").
			WithContext("remote", remote.String())
	}
	if h.Datagram == nil || h.Connected == nil || h.Disconnected == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "datagram, connected and disconnected handlers are required")
	}
	name := "connection to " + remote.String()
	alloc := loop.Messages()

	if tlsConfig != nil {
		loopFd, bridge, err := newClientBridge(remote.AddrPort().String(), tlsConfig)
		if err != nil {
			return nil, err
		}
		ss := newStreamState(alloc, api.Address{Family: remote.Family}, remote)
		ss.handshaking = true
		ss.bridge = bridge
		c, err := newStreamComm(loop, loopFd, name, RoleTCPClient, h, alloc, context, ss)
		if err != nil {
			bridge.Close()
			return nil, err
		}
		if err := c.io.SetWantRead(true); err != nil {
			c.Free()
			return nil, api.Wrap(api.ErrCodeIO, "register connection", err)
		}
		return c, nil
	}

	fd, err := unix.Socket(domainOf(remote.Family), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeIO, "socket create", err)
	}
	err = unix.Connect(fd, toSockaddr(remote.Family, remote))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, api.Wrap(api.ErrCodeIO, "connect", err).WithContext("remote", remote.String())
	}
	ss := newStreamState(alloc, api.Address{Family: remote.Family}, remote)
	ss.connecting = true
	c, err := newStreamComm(loop, fd, name, RoleTCPClient, h, alloc, context, ss)
	if err != nil {
		return nil, err
	}
	// Completion, immediate or not, is reported from the writable callback.
	if err := c.io.SetWantWrite(true); err != nil {
		c.Free()
		return nil, api.Wrap(api.ErrCodeIO, "register connection", err)
	}
	c.log.Debug("connecting")
	return c, nil
}
