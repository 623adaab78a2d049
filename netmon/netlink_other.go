//go:build !linux

// File: netmon/netlink_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netmon

import (
	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

func (m *Monitor) openWatch() (*ioloop.IO, error) {
	return nil, api.ErrNotSupported
}
