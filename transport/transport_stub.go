//go:build !linux

// File: transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"crypto/tls"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
	"github.com/momentics/srp-ioloop/pool"
)

type tlsBridge struct{}

func (b *tlsBridge) Close() {}

// SetupListener is not available on this platform.
func SetupListener(*ioloop.Loop, ListenerConfig, Handlers, any) (*Comm, error) {
	return nil, api.ErrNotSupported
}

// ConnectToHost is not available on this platform.
func ConnectToHost(*ioloop.Loop, api.Address, *tls.Config, Handlers, any) (*Comm, error) {
	return nil, api.ErrNotSupported
}

// SendMessage is not available on this platform.
func (c *Comm) SendMessage(*api.Address, api.Address, int, [][]byte) error {
	return api.ErrNotSupported
}

// SendMulticast is not available on this platform.
func (c *Comm) SendMulticast(int, [][]byte) error { return api.ErrNotSupported }

// SendResponse is not available on this platform.
func (c *Comm) SendResponse(*pool.Message, [][]byte) error { return api.ErrNotSupported }
