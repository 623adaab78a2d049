//go:build linux

// File: transport/datagram_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Datagram read path and sends with source selection via packet info.

package transport

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/protocol"
)

// datagram is a fully built send waiting for writability.
type datagram struct {
	payload []byte
	oob     []byte
	to      unix.Sockaddr
}

// readDatagram receives exactly one datagram per readiness event.
func (c *Comm) readDatagram(ds *datagramState) {
	msg, err := c.alloc.Allocate(c.alloc.Capacity())
	if err != nil {
		c.log.WithError(err).Warn("allocate datagram")
		return
	}
	n, oobn, flags, from, err := unix.Recvmsg(c.io.Fd(), msg.Storage(), ds.oob, 0)
	if err != nil {
		msg.Release()
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			c.log.WithError(err).Warn("recvmsg")
		}
		return
	}
	if flags&unix.MSG_TRUNC != 0 {
		msg.Release()
		ds.dropped++
		c.count("dropped")
		c.log.WithField("capacity", c.alloc.Capacity()).Debug("dropping truncated datagram")
		return
	}
	_ = msg.SetLen(n)
	msg.Src = fromSockaddr(from)
	msg.Local, msg.IfIndex = parsePacketInfo(ds.local, ds.oob[:oobn])
	c.count("datagrams_in")
	if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		c.log.WithFields(logrus.Fields{
			"src":     msg.Src.String(),
			"local":   msg.Local.String(),
			"ifindex": msg.IfIndex,
			"length":  n,
		}).Debug("datagram received")
	}
	c.handlers.Datagram(c, msg)
}

// parsePacketInfo extracts the destination address and interface of a
// received datagram. The bound port completes Local.
func parsePacketInfo(bound api.Address, oob []byte) (api.Address, int) {
	if len(oob) == 0 {
		return bound, 0
	}
	if bound.Family == api.FamilyIPv6 {
		var cm ipv6.ControlMessage
		if err := cm.Parse(oob); err != nil {
			return bound, 0
		}
		return api.AddressFromNetIP(cm.Dst, bound.Port), cm.IfIndex
	}
	var cm ipv4.ControlMessage
	if err := cm.Parse(oob); err != nil {
		return bound, 0
	}
	return api.AddressFromNetIP(cm.Dst, bound.Port), cm.IfIndex
}

// packetInfo builds the control message selecting the source address and
// outgoing interface. A multicast or unspecified source only selects the
// interface.
func packetInfo(fam api.Family, source *api.Address, ifindex int) []byte {
	var src []byte
	if source != nil && source.IsValid() && !source.IP.IsMulticast() && !source.IP.IsUnspecified() {
		src = source.IP.AsSlice()
	}
	if src == nil && ifindex == 0 {
		return nil
	}
	if fam == api.FamilyIPv6 {
		cm := &ipv6.ControlMessage{Src: src, IfIndex: ifindex}
		return cm.Marshal()
	}
	cm := &ipv4.ControlMessage{Src: src, IfIndex: ifindex}
	return cm.Marshal()
}

func (c *Comm) datagramState() (*datagramState, error) {
	if c.freed {
		return nil, api.ErrClosed
	}
	ds, ok := c.state.(*datagramState)
	if !ok {
		return nil, api.NewError(api.ErrCodeNotSupported, "datagram send on a non-datagram comm").
			WithContext("role", c.role.String())
	}
	return ds, nil
}

func (c *Comm) sendDatagram(ds *datagramState, source *api.Address, dest api.Address, ifindex int, iov [][]byte) error {
	if !dest.IsValid() || dest.Port == 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid destination").WithContext("dest", dest.String())
	}
	if dest.Family != ds.local.Family {
		return api.NewError(api.ErrCodeInvalidArgument, "destination family does not match socket").
			WithContext("dest", dest.String())
	}
	size := protocol.PayloadLen(iov)
	if size == 0 || size > pool.MaxWireLength {
		return api.NewError(api.ErrCodeInvalidArgument, "datagram length out of range").WithContext("length", size)
	}
	d := &datagram{
		oob: packetInfo(dest.Family, source, ifindex),
		to:  toSockaddr(dest.Family, dest),
	}

	if ds.pending.Length() == 0 {
		_, err := unix.SendmsgBuffers(c.io.Fd(), iov, d.oob, d.to, 0)
		switch {
		case err == nil:
			c.count("datagrams_out")
			return nil
		case !errors.Is(err, unix.EAGAIN):
			return api.Wrap(api.ErrCodeIO, "sendmsg", err).WithContext("dest", dest.String())
		}
	}
	d.payload = make([]byte, 0, size)
	for _, b := range iov {
		d.payload = append(d.payload, b...)
	}
	ds.pending.Add(d)
	return c.io.SetWantWrite(true)
}

func (c *Comm) flushDatagrams(ds *datagramState) {
	for ds.pending.Length() > 0 {
		d := ds.pending.Peek().(*datagram)
		_, err := unix.SendmsgBuffers(c.io.Fd(), [][]byte{d.payload}, d.oob, d.to, 0)
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		ds.pending.Remove()
		if err != nil {
			c.log.WithError(err).Warn("queued datagram send")
			continue
		}
		c.count("datagrams_out")
	}
	_ = c.io.SetWantWrite(false)
}

// SendMessage sends iov as one datagram to dest, from source when given,
// on ifindex when non-zero. Only datagram roles support it.
func (c *Comm) SendMessage(source *api.Address, dest api.Address, ifindex int, iov [][]byte) error {
	ds, err := c.datagramState()
	if err != nil {
		return err
	}
	return c.sendDatagram(ds, source, dest, ifindex, iov)
}

// SendMulticast sends iov to the joined group on ifindex. Only multicast
// listeners support it.
func (c *Comm) SendMulticast(ifindex int, iov [][]byte) error {
	if c.role != RoleUDPMulticast {
		if c.freed {
			return api.ErrClosed
		}
		return api.NewError(api.ErrCodeNotSupported, "multicast send on a non-multicast comm").
			WithContext("role", c.role.String())
	}
	ds, err := c.datagramState()
	if err != nil {
		return err
	}
	return c.sendDatagram(ds, nil, ds.group, ifindex, iov)
}

// SendResponse answers msg. Datagram roles reply to msg.Src from the
// address and interface msg arrived on; stream roles frame iov onto the
// connection.
func (c *Comm) SendResponse(msg *pool.Message, iov [][]byte) error {
	if c.freed {
		return api.ErrClosed
	}
	switch s := c.state.(type) {
	case *datagramState:
		if msg == nil {
			return api.NewError(api.ErrCodeInvalidArgument, "response needs the request message")
		}
		local := msg.Local
		return c.sendDatagram(s, &local, msg.Src, msg.IfIndex, iov)
	case *streamState:
		return c.sendFrame(s, iov)
	}
	return api.NewError(api.ErrCodeNotSupported, "send on a listening comm").
		WithContext("role", c.role.String())
}
