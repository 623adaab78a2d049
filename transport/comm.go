// File: transport/comm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Comm: a transport object embedding one loop handle, tagged by role.

package transport

import (
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/protocol"
)

// Role tags the variant a Comm carries.
type Role int

const (
	RoleUDPListener Role = iota + 1
	RoleUDPMulticast
	RoleTCPListener
	RoleTCPClient
	RoleTCPConnection
)

func (r Role) String() string {
	switch r {
	case RoleUDPListener:
		return "udp-listener"
	case RoleUDPMulticast:
		return "udp-multicast"
	case RoleTCPListener:
		return "tcp-listener"
	case RoleTCPClient:
		return "tcp-client"
	case RoleTCPConnection:
		return "tcp-connection"
	}
	return "unknown"
}

// Stream reports whether the role carries length-prefixed frames.
func (r Role) Stream() bool { return r == RoleTCPClient || r == RoleTCPConnection }

// Handlers are the upper-layer callbacks. Datagram receives ownership of
// msg and must Release it.
type Handlers struct {
	Datagram     func(c *Comm, msg *pool.Message)
	Connected    func(c *Comm)
	Closed       func(c *Comm)
	Disconnected func(c *Comm, err error)
}

// Comm is a listener or connection registered with a loop. Every method
// must be called on the loop goroutine.
type Comm struct {
	// Context is the caller value given at construction; accepted
	// connections inherit their listener's.
	Context any

	io       *ioloop.IO
	loop     *ioloop.Loop
	id       uuid.UUID
	name     string
	role     Role
	handlers Handlers
	alloc    *pool.MessagePool
	log      *logrus.Entry
	freed    bool

	// state is one of *datagramState, *listenState or *streamState.
	state any

	onCancel   func(*Comm)
	onFinalize func(*Comm)
}

// datagramState backs RoleUDPListener and RoleUDPMulticast.
type datagramState struct {
	local   api.Address
	group   api.Address
	oob     []byte
	pending *queue.Queue // *datagram waiting for writability
	dropped uint64
}

// listenState backs RoleTCPListener.
type listenState struct {
	local    api.Address
	tls      bool
	accepted uint64
	resume   *ioloop.IO // re-enables accepting after a hard accept error
}

// streamState backs RoleTCPClient and RoleTCPConnection.
type streamState struct {
	local  api.Address
	remote api.Address
	reasm  *protocol.Reassembler
	rbuf   []byte

	// pending holds encoded frames; head is the unsent part of the first.
	pending *queue.Queue
	head    []byte

	connecting  bool
	handshaking bool
	bridge      *tlsBridge
}

func newComm(loop *ioloop.Loop, io *ioloop.IO, name string, role Role, h Handlers, alloc *pool.MessagePool, context any) *Comm {
	c := &Comm{
		Context:  context,
		io:       io,
		loop:     loop,
		id:       uuid.New(),
		name:     name,
		role:     role,
		handlers: h,
		alloc:    alloc,
	}
	c.log = loop.Logger().WithFields(logrus.Fields{
		"comm":    name,
		"comm_id": c.id.String(),
		"role":    role.String(),
	})
	io.Name = name
	io.Context = c
	// Teardown lives in the handle's hooks so that Free, a direct
	// c.IO().Close() and Loop.Close all release the same state.
	io.OnCancel = func(*ioloop.IO) {
		c.freed = true
		if c.onCancel != nil {
			c.onCancel(c)
		}
	}
	io.OnFinalize = func(*ioloop.IO) {
		if c.onFinalize != nil {
			c.onFinalize(c)
		}
		c.release()
	}
	return c
}

// ID returns the identifier used to correlate log lines.
func (c *Comm) ID() uuid.UUID { return c.id }

// Name returns the listener or connection name.
func (c *Comm) Name() string { return c.name }

// Role returns the variant tag.
func (c *Comm) Role() Role { return c.role }

// IO exposes the underlying loop handle.
func (c *Comm) IO() *ioloop.IO { return c.io }

// Freed reports whether Free has run.
func (c *Comm) Freed() bool { return c.freed }

// Messages returns the allocator incoming messages are drawn from.
func (c *Comm) Messages() *pool.MessagePool { return c.alloc }

// LocalAddress returns the bound address, including the chosen port.
func (c *Comm) LocalAddress() api.Address {
	switch s := c.state.(type) {
	case *datagramState:
		return s.local
	case *listenState:
		return s.local
	case *streamState:
		return s.local
	}
	return api.Address{}
}

// RemoteAddress returns the peer of a stream role.
func (c *Comm) RemoteAddress() api.Address {
	if s, ok := c.state.(*streamState); ok {
		return s.remote
	}
	return api.Address{}
}

// SetCancel installs a hook run before the descriptor is closed.
func (c *Comm) SetCancel(fn func(*Comm)) { c.onCancel = fn }

// SetFinalize installs a hook run after the descriptor is closed.
func (c *Comm) SetFinalize(fn func(*Comm)) { c.onFinalize = fn }

// Free releases the comm by closing its handle. The comm is marked freed
// first so handlers still on the stack can see it, then the descriptor is
// closed (cancel, fd, finalize), then partial reassembly, queued output
// and any TLS bridge are released. Closing the handle directly or closing
// the loop runs the same teardown. Calling Free again does nothing.
func (c *Comm) Free() {
	if c.freed {
		return
	}
	c.io.Close()
}

func (c *Comm) release() {
	switch s := c.state.(type) {
	case *streamState:
		s.reasm.Reset()
		for s.pending.Length() > 0 {
			s.pending.Remove()
		}
		s.head = nil
		if s.bridge != nil {
			s.bridge.Close()
		}
	case *datagramState:
		for s.pending.Length() > 0 {
			s.pending.Remove()
		}
	}
	c.log.Debug("comm freed")
}

// fail reports err to Disconnected and frees the comm.
func (c *Comm) fail(err error) {
	if c.freed {
		return
	}
	c.log.WithError(err).Debug("comm disconnected")
	if c.handlers.Disconnected != nil {
		c.handlers.Disconnected(c, err)
	}
	c.Free()
}

func (c *Comm) count(key string) {
	c.loop.Metrics().Add("transport."+key, 1)
}
