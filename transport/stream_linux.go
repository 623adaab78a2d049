//go:build linux

// File: transport/stream_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream roles: accept, framed reads through the reassembler, and a
// queued framed write path.

package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/protocol"
)

const (
	readChunk = 16 << 10

	// acceptBurst bounds the connections taken per readiness event.
	acceptBurst = 16

	// acceptBackoff pauses a listener after an error such as EMFILE that
	// leaves the socket readable.
	acceptBackoff = 100 * time.Millisecond
)

// Status byte the TLS bridge writes before any plaintext.
const (
	handshakeOK     byte = 0
	handshakeFailed byte = 1
)

func newStreamState(alloc *pool.MessagePool, local, remote api.Address) *streamState {
	return &streamState{
		local:   local,
		remote:  remote,
		reasm:   protocol.NewReassembler(alloc),
		rbuf:    make([]byte, readChunk),
		pending: queue.New(),
	}
}

// newStreamComm wraps an established (or bridged) stream descriptor.
func newStreamComm(loop *ioloop.Loop, fd int, name string, role Role, h Handlers, alloc *pool.MessagePool, context any, ss *streamState) (*Comm, error) {
	handle, err := loop.NewIO(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c := newComm(loop, handle, name, role, h, alloc, context)
	c.state = ss
	c.log = c.log.WithField("remote", ss.remote.String())
	handle.OnRead = func(*ioloop.IO) { c.readStream(ss) }
	handle.OnWrite = func(*ioloop.IO) { c.writable(ss) }
	return c, nil
}

func (c *Comm) accept(ls *listenState, tlsConfig *tls.Config) {
	for i := 0; i < acceptBurst && !c.freed; i++ {
		nfd, sa, err := unix.Accept4(c.io.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			default:
				c.log.WithError(err).WithField("backoff", acceptBackoff).Warn("accept failed, pausing listener")
				c.pauseAccept(ls)
			}
			return
		}
		remote := fromSockaddr(sa)
		ls.accepted++
		c.count("accepted")
		name := fmt.Sprintf("%s %s", c.name, remote)

		if ls.tls {
			c.acceptTLS(nfd, name, remote, tlsConfig)
			continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		ss := newStreamState(c.alloc, localAddress(nfd), remote)
		conn, err := newStreamComm(c.loop, nfd, name, RoleTCPConnection, c.handlers, c.alloc, c.Context, ss)
		if err != nil {
			c.log.WithError(err).Warn("register accepted connection")
			continue
		}
		if err := conn.io.SetWantRead(true); err != nil {
			conn.fail(api.Wrap(api.ErrCodeIO, "register accepted connection", err))
			continue
		}
		conn.log.Debug("connection accepted")
		if c.handlers.Connected != nil {
			c.handlers.Connected(conn)
		}
	}
}

// pauseAccept drops read interest and re-arms it from a timer.
func (c *Comm) pauseAccept(ls *listenState) {
	c.count("accept_paused")
	if err := c.io.SetWantRead(false); err != nil {
		c.log.WithError(err).Warn("pause listener")
		return
	}
	if ls.resume == nil {
		ls.resume = c.loop.NewTimer(func(*ioloop.IO) {
			if !c.freed {
				if err := c.io.SetWantRead(true); err != nil {
					c.log.WithError(err).Warn("resume listener")
				}
			}
		})
		ls.resume.Name = c.name + " accept-resume"
		c.io.CancelOnClose(ls.resume)
	}
	ls.resume.SetWakeupAfter(acceptBackoff)
}

func (c *Comm) acceptTLS(nfd int, name string, remote api.Address, tlsConfig *tls.Config) {
	local := localAddress(nfd)
	loopFd, bridge, err := newServerBridge(nfd, tlsConfig)
	if err != nil {
		c.log.WithError(err).Warn("tls bridge")
		return
	}
	ss := newStreamState(c.alloc, local, remote)
	ss.handshaking = true
	ss.bridge = bridge
	conn, err := newStreamComm(c.loop, loopFd, name, RoleTCPConnection, c.handlers, c.alloc, c.Context, ss)
	if err != nil {
		bridge.Close()
		c.log.WithError(err).Warn("register accepted connection")
		return
	}
	if err := conn.io.SetWantRead(true); err != nil {
		conn.fail(api.Wrap(api.ErrCodeIO, "register accepted connection", err))
	}
}

// readStream performs one read per readiness event and feeds everything it
// got to the reassembler.
func (c *Comm) readStream(ss *streamState) {
	n, err := unix.Read(c.io.Fd(), ss.rbuf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		c.fail(api.Wrap(api.ErrCodeIO, "read", err))
		return
	}
	if n == 0 {
		c.log.Debug("peer closed connection")
		if ss.handshaking {
			c.fail(api.Wrap(api.ErrCodeTLSSetup, "tls handshake", ss.bridge.Err()))
			return
		}
		if c.handlers.Closed != nil {
			c.handlers.Closed(c)
		}
		c.fail(api.Wrap(api.ErrCodePeerClosed, "read", io.EOF))
		return
	}
	p := ss.rbuf[:n]
	if ss.handshaking {
		if !c.handshakeDone(ss, p[0]) {
			return
		}
		p = p[1:]
	}
	err = ss.reasm.Feed(p, func(msg *pool.Message) bool {
		msg.Src = ss.remote
		msg.Local = ss.local
		c.count("frames_in")
		c.handlers.Datagram(c, msg)
		return !c.freed
	})
	if err != nil {
		c.count("framing_errors")
		c.log.WithError(err).Warn("framing error")
		c.fail(err)
	}
}

// handshakeDone consumes the bridge status byte and reports whether the
// connection may carry plaintext.
func (c *Comm) handshakeDone(ss *streamState, status byte) bool {
	ss.handshaking = false
	if status != handshakeOK {
		c.fail(api.Wrap(api.ErrCodeTLSSetup, "tls handshake", ss.bridge.Err()))
		return false
	}
	c.log.Debug("tls handshake complete")
	if c.handlers.Connected != nil {
		c.handlers.Connected(c)
	}
	return !c.freed
}

// sendFrame encodes iov as one length-prefixed frame and writes as much as
// the socket takes; the rest waits in the queue. Nothing is queued when
// the frame is invalid.
func (c *Comm) sendFrame(ss *streamState, iov [][]byte) error {
	frame, err := protocol.EncodeFrame(nil, iov, pool.MaxWireLength)
	if err != nil {
		return err
	}
	c.count("frames_out")
	if ss.head != nil || ss.connecting {
		ss.pending.Add(frame)
		return nil
	}
	n, err := unix.SendmsgBuffers(c.io.Fd(), [][]byte{frame}, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		werr := api.Wrap(api.ErrCodeIO, "write", err)
		c.fail(werr)
		return werr
	}
	if n < 0 {
		n = 0
	}
	if n == len(frame) {
		return nil
	}
	ss.head = frame[n:]
	return c.io.SetWantWrite(true)
}

func (c *Comm) writable(ss *streamState) {
	if ss.connecting {
		c.connectDone(ss)
		return
	}
	c.flushStream(ss)
}

func (c *Comm) flushStream(ss *streamState) {
	for {
		if ss.head == nil {
			if ss.pending.Length() == 0 {
				_ = c.io.SetWantWrite(false)
				return
			}
			ss.head = ss.pending.Remove().([]byte)
		}
		n, err := unix.SendmsgBuffers(c.io.Fd(), [][]byte{ss.head}, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EAGAIN) {
			_ = c.io.SetWantWrite(true)
			return
		}
		if err != nil {
			c.fail(api.Wrap(api.ErrCodeIO, "write", err))
			return
		}
		if n < len(ss.head) {
			ss.head = ss.head[n:]
			continue
		}
		ss.head = nil
	}
}

// connectDone completes a non-blocking connect once the socket is writable.
func (c *Comm) connectDone(ss *streamState) {
	soerr, err := unix.GetsockoptInt(c.io.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr != 0 {
		err = unix.Errno(soerr)
	}
	if err != nil {
		c.fail(api.Wrap(api.ErrCodeIO, "connect", err).WithContext("remote", ss.remote.String()))
		return
	}
	ss.connecting = false
	ss.local = localAddress(c.io.Fd())
	_ = unix.SetsockoptInt(c.io.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err := c.io.SetWantRead(true); err != nil {
		c.fail(api.Wrap(api.ErrCodeIO, "register connection", err))
		return
	}
	c.log.WithFields(logrus.Fields{"local": ss.local.String()}).Debug("connected")
	if c.handlers.Connected != nil {
		c.handlers.Connected(c)
	}
	if !c.freed {
		c.flushStream(ss)
	}
}
