//go:build linux

package transport_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/transport"
)

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "srp-ioloop test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLSRoundTrip(t *testing.T) {
	l, _ := newLoop(t)
	cert := selfSigned(t)

	server := &recorder{}
	server.onMessage = func(c *transport.Comm, msg *pool.Message) {
		require.NoError(t, c.SendResponse(msg, [][]byte{reply(t, msg.Wire)}))
	}
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "dns-tls",
		Family:      api.FamilyIPv4,
		Protocol:    transport.ProtocolTCP,
		BindAddress: "127.0.0.1",
		TLS:         true,
		TLSConfig:   &tls.Config{Certificates: []tls.Certificate{cert}},
	}, server.handlers(), nil)
	require.NoError(t, err)

	q, wire := query(t, "secure.example", 853)
	client := &recorder{}
	h := client.handlers()
	connected := h.Connected
	h.Connected = func(c *transport.Comm) {
		connected(c)
		require.NoError(t, c.SendResponse(nil, [][]byte{wire}))
	}
	c, err := transport.ConnectToHost(l, ln.LocalAddress(), &tls.Config{InsecureSkipVerify: true}, h, nil)
	require.NoError(t, err)

	pump(t, l, func() bool { return len(client.messages) == 1 })
	assert.Equal(t, []string{"connected", "datagram"}, client.events)
	assert.Equal(t, []string{"connected", "datagram"}, server.events)
	r := dnsUnpack(t, client.messages[0])
	assert.Equal(t, q.Id, r.Id)
	assert.Equal(t, transport.RoleTCPConnection, server.comms[0].Role())

	c.Free()
	pump(t, l, func() bool { return server.comms[0].Freed() })
	assert.True(t, errors.Is(server.lastError, api.ErrPeerClosed))
}

func TestTLSHandshakeFailure(t *testing.T) {
	l, _ := newLoop(t)
	cert := selfSigned(t)
	server := &recorder{}
	ln, err := transport.SetupListener(l, transport.ListenerConfig{
		Name:        "dns-tls",
		Family:      api.FamilyIPv4,
		Protocol:    transport.ProtocolTCP,
		BindAddress: "127.0.0.1",
		TLS:         true,
		TLSConfig:   &tls.Config{Certificates: []tls.Certificate{cert}},
	}, server.handlers(), nil)
	require.NoError(t, err)

	// The client verifies against the system roots and rejects the
	// self-signed certificate.
	client := &recorder{}
	c, err := transport.ConnectToHost(l, ln.LocalAddress(), &tls.Config{ServerName: "127.0.0.1"}, client.handlers(), nil)
	require.NoError(t, err)

	pump(t, l, c.Freed)
	assert.Equal(t, []string{"disconnected"}, client.events)
	assert.True(t, errors.Is(client.lastError, api.ErrTLSSetup), "got %v", client.lastError)
	pump(t, l, func() bool { return len(server.events) > 0 })
	assert.Equal(t, []string{"disconnected"}, server.events)
	assert.True(t, errors.Is(server.lastError, api.ErrTLSSetup))
}
