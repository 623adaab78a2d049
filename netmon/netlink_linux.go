//go:build linux

// File: netmon/netlink_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// rtnetlink subscription. Any address or link notification triggers a
// rescan; the messages themselves only tell us that something changed.

package netmon

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/ioloop"
)

const netlinkGroups = unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR | unix.RTMGRP_LINK

func (m *Monitor) openWatch() (*ioloop.IO, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: netlinkGroups}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	io, err := m.loop.NewIO(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	io.Name = "netmon-netlink"
	buf := make([]byte, 1<<16)
	if err := m.loop.AddReader(io, func(io *ioloop.IO) { m.readNetlink(io, buf) }, nil); err != nil {
		io.Close()
		return nil, err
	}
	return io, nil
}

// readNetlink drains the socket and rescans at most once.
func (m *Monitor) readNetlink(io *ioloop.IO, buf []byte) {
	changed := false
	for {
		n, err := unix.Read(io.Fd(), buf)
		if err != nil {
			if errors.Is(err, unix.ENOBUFS) {
				// Notifications were lost; the snapshot diff recovers.
				changed = true
				continue
			}
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				m.log.WithError(err).Warn("netlink read")
			}
			break
		}
		if n <= 0 {
			break
		}
		if addressChange(buf[:n]) {
			changed = true
		}
	}
	if changed {
		m.Rescan()
	}
}

// addressChange reports whether buf carries an address or link update.
func addressChange(buf []byte) bool {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		return false
	}
	for _, msg := range msgs {
		switch msg.Header.Type {
		case unix.RTM_NEWADDR, unix.RTM_DELADDR, unix.RTM_NEWLINK, unix.RTM_DELLINK:
			return true
		}
	}
	return false
}
