// Package api
// Author: momentics <momentics@gmail.com>
//
// Shared enums and callback shapes consumed by upper layers.

package api

import "time"

// Loop time units. Wakeup times are absolute time.Time values on the
// loop's monotonic clock; these mirror the daemon's traditional constants.
const (
	Second = time.Second
	Minute = 60 * Second
	Hour   = 60 * Minute
	Day    = 24 * Hour
)

// InterfaceAddressChange is the added/deleted discriminant of an interface
// address event.
type InterfaceAddressChange int

const (
	InterfaceAddressAdded InterfaceAddressChange = iota
	InterfaceAddressDeleted
)

func (c InterfaceAddressChange) String() string {
	if c == InterfaceAddressDeleted {
		return "deleted"
	}
	return "added"
}

// InterfaceCallback receives one interface address event. context is the
// value passed when subscribing.
type InterfaceCallback func(context any, name string, address, netmask Address, index int, change InterfaceAddressChange)
