//go:build linux

package transport_test

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/transport"
)

func TestListenerConfigValidation(t *testing.T) {
	l, _ := newLoop(t)
	ok := func(*transport.Comm, *pool.Message) {}
	cases := []struct {
		name string
		cfg  transport.ListenerConfig
		want error
	}{
		{"empty name", transport.ListenerConfig{Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP}, api.ErrInvalidArgument},
		{"unknown family", transport.ListenerConfig{Name: "x", Protocol: transport.ProtocolUDP}, api.ErrInvalidArgument},
		{"unknown protocol", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4}, api.ErrInvalidArgument},
		{"tls over udp", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, TLS: true, TLSConfig: &tls.Config{}}, api.ErrInvalidArgument},
		{"tls without certificate", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolTCP, TLS: true}, api.ErrTLSSetup},
		{"multicast over tcp", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolTCP, MulticastGroup: "224.0.0.251"}, api.ErrInvalidArgument},
		{"group family mismatch", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv6, Protocol: transport.ProtocolUDP, MulticastGroup: "224.0.0.251"}, api.ErrInvalidArgument},
		{"unicast group", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, MulticastGroup: "10.0.0.1"}, api.ErrInvalidArgument},
		{"bind family mismatch", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, BindAddress: "::1"}, api.ErrInvalidArgument},
		{"bad bind literal", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, BindAddress: "localhost"}, api.ErrInvalidArgument},
		{"message size", transport.ListenerConfig{Name: "x", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, MaxMessageSize: 70000}, api.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := transport.SetupListener(l, tc.cfg, transport.Handlers{Datagram: ok}, nil)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	_, err := transport.SetupListener(l, transport.ListenerConfig{
		Name: "no-handler", Family: api.FamilyIPv4, Protocol: transport.ProtocolUDP, BindAddress: "127.0.0.1",
	}, transport.Handlers{}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	assert.Equal(t, 0, l.Stats().Handles, "no partial listener registered")
}

func TestListenerBindConflict(t *testing.T) {
	l, _ := newLoop(t)
	rec := &recorder{}
	ln := tcpListener(t, l, rec.handlers(), 0)
	_, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "dup",
		Family:      api.FamilyIPv4,
		Protocol:    transport.ProtocolTCP,
		BindAddress: "127.0.0.1",
		Port:        ln.LocalAddress().Port,
	}, rec.handlers(), nil)
	assert.True(t, errors.Is(err, api.ErrBind), "got %v", err)
}

func TestDatagramMetadataAndResponse(t *testing.T) {
	l, mr := newLoop(t)
	var got *pool.Message
	var src, local api.Address
	var ifindex int
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "udp-test",
		Family:      api.FamilyIPv4,
		Protocol:    transport.ProtocolUDP,
		BindAddress: "127.0.0.1",
	}, transport.Handlers{Datagram: func(c *transport.Comm, msg *pool.Message) {
		got = msg
		src, local, ifindex = msg.Src, msg.Local, msg.IfIndex
		require.NoError(t, c.SendResponse(msg, [][]byte{reply(t, msg.Wire)}))
		msg.Release()
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.RoleUDPListener, ln.Role())

	client, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(ln.LocalAddress().AddrPort()))
	require.NoError(t, err)
	defer client.Close()

	q, wire := query(t, "udp.example", 4242)
	_, err = client.Write(wire)
	require.NoError(t, err)
	pump(t, l, func() bool { return got != nil })

	cl := client.LocalAddr().(*net.UDPAddr).AddrPort()
	assert.Equal(t, api.AddressFrom(cl.Addr(), cl.Port()), src)
	assert.Equal(t, "127.0.0.1", local.IP.String())
	assert.Equal(t, ln.LocalAddress().Port, local.Port)
	if lo, err := net.InterfaceByName("lo"); err == nil {
		assert.Equal(t, lo.Index, ifindex)
	} else {
		assert.NotZero(t, ifindex)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)
	r := dnsUnpack(t, buf[:n])
	assert.Equal(t, q.Id, r.Id)
	assert.True(t, r.Response)
	assert.EqualValues(t, 1, mr.Counter("transport.datagrams_in"))
	assert.EqualValues(t, 1, mr.Counter("transport.datagrams_out"))
	assert.Zero(t, ln.Messages().Stats().InUse)
}

func TestIPv6DatagramMetadataAndResponse(t *testing.T) {
	l, _ := newLoop(t)
	var src, local api.Address
	ifindex := -1
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "udp6-test",
		Family:      api.FamilyIPv6,
		Protocol:    transport.ProtocolUDP,
		BindAddress: "::1",
	}, transport.Handlers{Datagram: func(c *transport.Comm, msg *pool.Message) {
		src, local, ifindex = msg.Src, msg.Local, msg.IfIndex
		require.NoError(t, c.SendResponse(msg, [][]byte{reply(t, msg.Wire)}))
		msg.Release()
	}}, nil)
	if errors.Is(err, api.ErrBind) {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, api.FamilyIPv6, ln.LocalAddress().Family)

	client, err := net.DialUDP("udp6", nil, net.UDPAddrFromAddrPort(ln.LocalAddress().AddrPort()))
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	defer client.Close()

	q, wire := query(t, "udp6.example", 6666)
	_, err = client.Write(wire)
	require.NoError(t, err)
	pump(t, l, func() bool { return ifindex >= 0 })

	cl := client.LocalAddr().(*net.UDPAddr).AddrPort()
	assert.Equal(t, api.AddressFrom(cl.Addr(), cl.Port()), src)
	assert.Equal(t, api.FamilyIPv6, local.Family)
	assert.Equal(t, "::1", local.IP.String())
	assert.Equal(t, ln.LocalAddress().Port, local.Port)
	if lo, err := net.InterfaceByName("lo"); err == nil {
		assert.Equal(t, lo.Index, ifindex)
	} else {
		assert.NotZero(t, ifindex)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)
	r := dnsUnpack(t, buf[:n])
	assert.Equal(t, q.Id, r.Id)
	assert.True(t, r.Response)
	assert.Zero(t, ln.Messages().Stats().InUse)
}

func TestTruncatedDatagramDropped(t *testing.T) {
	l, mr := newLoop(t)
	var sizes []int
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:           "udp-small",
		Family:         api.FamilyIPv4,
		Protocol:       transport.ProtocolUDP,
		BindAddress:    "127.0.0.1",
		MaxMessageSize: 64,
	}, transport.Handlers{Datagram: func(_ *transport.Comm, msg *pool.Message) {
		sizes = append(sizes, msg.Len())
		msg.Release()
	}}, nil)
	require.NoError(t, err)

	client, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(ln.LocalAddress().AddrPort()))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(make([]byte, 200))
	require.NoError(t, err)
	_, err = client.Write(make([]byte, 20))
	require.NoError(t, err)
	pump(t, l, func() bool { return len(sizes) == 1 })
	settle(t, l)

	assert.Equal(t, []int{20}, sizes)
	assert.EqualValues(t, 1, mr.Counter("transport.dropped"))
	assert.Zero(t, ln.Messages().Stats().InUse)
}

func TestSendMessageValidation(t *testing.T) {
	l, _ := newLoop(t)
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "udp-send",
		Family:      api.FamilyIPv4,
		Protocol:    transport.ProtocolUDP,
		BindAddress: "127.0.0.1",
	}, transport.Handlers{Datagram: func(_ *transport.Comm, msg *pool.Message) { msg.Release() }}, nil)
	require.NoError(t, err)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	pa := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	dest := api.AddressFrom(pa.Addr(), pa.Port())

	v6, _ := api.ParseAddressPort("[::1]:53")
	assert.True(t, errors.Is(ln.SendMessage(nil, api.Address{}, 0, [][]byte{{1}}), api.ErrInvalidArgument))
	assert.True(t, errors.Is(ln.SendMessage(nil, v6, 0, [][]byte{{1}}), api.ErrInvalidArgument))
	assert.True(t, errors.Is(ln.SendMessage(nil, dest, 0, nil), api.ErrInvalidArgument))
	assert.True(t, errors.Is(ln.SendMulticast(0, [][]byte{{1}}), api.ErrNotSupported))

	_, wire := query(t, "send.example", 11)
	source := ln.LocalAddress()
	require.NoError(t, ln.SendMessage(&source, dest, 0, [][]byte{wire[:3], wire[3:]}))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, wire, buf[:n], "only the valid datagram was sent")
	assert.Equal(t, ln.LocalAddress().Port, from.Port())

	ln.Free()
	ln.Free()
	assert.True(t, errors.Is(ln.SendMessage(nil, dest, 0, [][]byte{wire}), api.ErrClosed))
}

func TestMulticastListener(t *testing.T) {
	l, _ := newLoop(t)
	var got []byte
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:           "mcast",
		Family:         api.FamilyIPv4,
		Protocol:       transport.ProtocolUDP,
		MulticastGroup: "239.255.83.54",
	}, transport.Handlers{Datagram: func(_ *transport.Comm, msg *pool.Message) {
		got = append([]byte(nil), msg.Wire...)
		msg.Release()
	}}, nil)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	assert.Equal(t, transport.RoleUDPMulticast, ln.Role())
	assert.True(t, errors.Is(ln.SendMulticast(0, nil), api.ErrInvalidArgument))

	_, wire := query(t, "mcast.example", 5)
	if err := ln.SendMulticast(0, [][]byte{wire}); err != nil {
		t.Skipf("multicast send unavailable: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for got == nil && time.Now().Before(deadline) {
		settle(t, l)
	}
	if got == nil {
		t.Skip("multicast loopback not delivered on this host")
	}
	assert.Equal(t, wire, got)
}
