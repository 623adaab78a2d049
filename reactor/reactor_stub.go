//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "github.com/momentics/srp-ioloop/api"

// New returns an error for unsupported platforms.
func New() (Poller, error) {
	return nil, api.Wrap(api.ErrCodeNotSupported, "reactor: this platform is not supported", nil)
}
