//go:build linux

package transport_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/control"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/transport"
)

func newLoop(t *testing.T) (*ioloop.Loop, *control.MetricsRegistry) {
	t.Helper()
	mr := control.NewMetricsRegistry()
	l, err := ioloop.New(ioloop.WithMetrics(mr))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, mr
}

// pump drives the loop until cond holds.
func pump(t *testing.T, l *ioloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := l.Events(time.Now().Add(20 * time.Millisecond))
		if err != nil && !errors.Is(err, api.ErrInterrupted) {
			require.NoError(t, err)
		}
	}
}

// settle runs a few short passes so that anything pending is dispatched.
func settle(t *testing.T, l *ioloop.Loop) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_, err := l.Events(time.Now().Add(10 * time.Millisecond))
		if err != nil && !errors.Is(err, api.ErrInterrupted) {
			require.NoError(t, err)
		}
	}
}

func query(t *testing.T, name string, id uint16) (*dns.Msg, []byte) {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id
	wire, err := q.Pack()
	require.NoError(t, err)
	return q, wire
}

func reply(t *testing.T, wire []byte) []byte {
	t.Helper()
	q := new(dns.Msg)
	require.NoError(t, q.Unpack(wire))
	r := new(dns.Msg)
	r.SetReply(q)
	out, err := r.Pack()
	require.NoError(t, err)
	return out
}

func dnsUnpack(t *testing.T, wire []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(wire))
	return m
}

// recorder collects stream callbacks in order.
type recorder struct {
	comms     []*transport.Comm
	messages  [][]byte
	events    []string
	lastError error
	onMessage func(c *transport.Comm, msg *pool.Message)
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		Datagram: func(c *transport.Comm, msg *pool.Message) {
			r.messages = append(r.messages, append([]byte(nil), msg.Wire...))
			r.events = append(r.events, "datagram")
			if r.onMessage != nil {
				r.onMessage(c, msg)
			}
			msg.Release()
		},
		Connected: func(c *transport.Comm) {
			r.comms = append(r.comms, c)
			r.events = append(r.events, "connected")
		},
		Closed: func(*transport.Comm) {
			r.events = append(r.events, "closed")
		},
		Disconnected: func(_ *transport.Comm, err error) {
			r.lastError = err
			r.events = append(r.events, "disconnected")
		},
	}
}

func tcpListener(t *testing.T, l *ioloop.Loop, h transport.Handlers, maxMessage int) *transport.Comm {
	t.Helper()
	c, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:           "test-tcp",
		Family:         api.FamilyIPv4,
		Protocol:       transport.ProtocolTCP,
		BindAddress:    "127.0.0.1",
		MaxMessageSize: maxMessage,
	}, h, "listener-context")
	require.NoError(t, err)
	return c
}

// dialAccepted connects a plain client and waits until the listener has
// produced the server-side comm.
func dialAccepted(t *testing.T, l *ioloop.Loop, ln *transport.Comm, rec *recorder) (net.Conn, *transport.Comm) {
	t.Helper()
	before := len(rec.comms)
	conn, err := net.Dial("tcp", ln.LocalAddress().AddrPort().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	pump(t, l, func() bool { return len(rec.comms) > before })
	return conn, rec.comms[len(rec.comms)-1]
}

func write(t *testing.T, conn net.Conn, b ...byte) {
	t.Helper()
	_, err := conn.Write(b)
	require.NoError(t, err)
}
