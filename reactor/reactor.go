// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness multiplexer interface.

package reactor

import "time"

// FDEventType is a bit set of readiness conditions.
type FDEventType uint32

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

func (t FDEventType) String() string {
	s := ""
	if t&EventRead != 0 {
		s += "r"
	}
	if t&EventWrite != 0 {
		s += "w"
	}
	if t&EventError != 0 {
		s += "e"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Event contains one readiness report returned by Wait.
type Event struct {
	Fd     int         // descriptor the report is for
	Token  uint32      // registration token supplied to Add/Modify
	Events FDEventType // ready conditions
}

// Poller tracks descriptors with read/write interest and reports readiness.
// Reports are level-triggered. A Poller is not safe for concurrent use.
type Poller interface {
	// Add registers fd with the given interest. The token is echoed back in
	// every Event for fd, so stale reports for a recycled descriptor number
	// can be told apart.
	Add(fd int, token uint32, interest FDEventType) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, token uint32, interest FDEventType) error

	// Remove deregisters fd.
	Remove(fd int) error

	// Wait blocks up to timeout (negative blocks indefinitely) and fills
	// events. An interrupted wait returns api.ErrInterrupted.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Close releases the poller.
	Close() error
}

// timeoutMillis rounds up so that a wait never ends before timeout.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
