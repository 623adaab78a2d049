// File: ioloop/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IO handle: the base readiness registration record.

package ioloop

import (
	"container/heap"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/reactor"
)

// Callback is invoked with the handle it was registered on.
type Callback func(io *IO)

// IO is a descriptor (or a pure timer when fd is -1) registered with a Loop.
// The loop owns the handle from creation until Close; callers keep only
// non-owning references.
type IO struct {
	OnRead     Callback
	OnWrite    Callback
	OnWakeup   Callback
	OnCancel   Callback // runs before the descriptor is released
	OnFinalize Callback // runs after the descriptor is released

	// Name labels the handle in logs. Context is free for the owner.
	Name    string
	Context any

	loop       *Loop
	fd         int
	token      uint32
	wantRead   bool
	wantWrite  bool
	registered bool
	closed     bool

	wakeup    time.Time
	seq       uint64
	heapIndex int

	cancelOnClose *IO
}

// NewIO takes ownership of fd, which should be non-blocking. The handle has
// no interest until SetWantRead or SetWantWrite is called.
func (l *Loop) NewIO(fd int) (*IO, error) {
	if l.closed {
		return nil, api.ErrClosed
	}
	if fd < 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "negative descriptor")
	}
	return l.newIO(fd), nil
}

// NewTimer creates a descriptor-less handle whose only event is its wakeup.
func (l *Loop) NewTimer(onWakeup Callback) *IO {
	io := l.newIO(-1)
	io.OnWakeup = onWakeup
	return io
}

func (l *Loop) newIO(fd int) *IO {
	io := &IO{loop: l, fd: fd, heapIndex: -1}
	for {
		l.token++
		if l.token == 0 {
			continue
		}
		if _, busy := l.ios[l.token]; !busy {
			break
		}
	}
	io.token = l.token
	l.ios[io.token] = io
	return io
}

// AddReader installs a read callback and finalizer and enables read
// interest.
func (l *Loop) AddReader(io *IO, onRead Callback, finalize Callback) error {
	io.OnRead = onRead
	io.OnFinalize = finalize
	return io.SetWantRead(true)
}

// Loop returns the owning loop.
func (io *IO) Loop() *Loop { return io.loop }

// Fd returns the descriptor, -1 for timers and closed handles.
func (io *IO) Fd() int { return io.fd }

// Closed reports whether Close has run.
func (io *IO) Closed() bool { return io.closed }

// WantRead reports read interest.
func (io *IO) WantRead() bool { return io.wantRead }

// WantWrite reports write interest.
func (io *IO) WantWrite() bool { return io.wantWrite }

// SetWantRead toggles read interest.
func (io *IO) SetWantRead(want bool) error {
	if io.wantRead == want {
		return nil
	}
	io.wantRead = want
	return io.updateInterest()
}

// SetWantWrite toggles write interest.
func (io *IO) SetWantWrite(want bool) error {
	if io.wantWrite == want {
		return nil
	}
	io.wantWrite = want
	return io.updateInterest()
}

func (io *IO) updateInterest() error {
	if io.closed || io.fd < 0 {
		return nil
	}
	var mask reactor.FDEventType
	if io.wantRead {
		mask |= reactor.EventRead
	}
	if io.wantWrite {
		mask |= reactor.EventWrite
	}
	p := io.loop.poller
	switch {
	case mask == 0 && io.registered:
		io.registered = false
		return p.Remove(io.fd)
	case mask == 0:
		return nil
	case !io.registered:
		if err := p.Add(io.fd, io.token, mask); err != nil {
			return err
		}
		io.registered = true
		return nil
	default:
		return p.Modify(io.fd, io.token, mask)
	}
}

// SetWakeup arms the handle's timer at the absolute time at, replacing any
// earlier setting. A zero time clears it.
func (io *IO) SetWakeup(at time.Time) {
	if io.closed {
		return
	}
	if at.IsZero() {
		io.ClearWakeup()
		return
	}
	l := io.loop
	io.wakeup = at
	l.seq++
	io.seq = l.seq
	if io.heapIndex >= 0 {
		heap.Fix(&l.timers, io.heapIndex)
		return
	}
	heap.Push(&l.timers, io)
}

// SetWakeupAfter arms the timer d after the loop clock.
func (io *IO) SetWakeupAfter(d time.Duration) {
	io.SetWakeup(io.loop.now.Add(d))
}

// ClearWakeup disarms the timer.
func (io *IO) ClearWakeup() {
	io.wakeup = time.Time{}
	if io.heapIndex >= 0 {
		heap.Remove(&io.loop.timers, io.heapIndex)
	}
}

// WakeupTime returns the armed wakeup, zero when none.
func (io *IO) WakeupTime() time.Time { return io.wakeup }

// CancelOnClose closes other when io closes.
func (io *IO) CancelOnClose(other *IO) {
	io.cancelOnClose = other
}

// Close runs OnCancel, deregisters and closes the descriptor, closes the
// cancel-on-close partner, then runs OnFinalize. Later calls do nothing,
// and no callback of io runs after Close begins.
func (io *IO) Close() {
	if io.closed {
		return
	}
	io.closed = true
	l := io.loop
	io.ClearWakeup()

	if io.OnCancel != nil {
		io.OnCancel(io)
	}
	if io.fd >= 0 {
		if io.registered {
			io.registered = false
			if err := l.poller.Remove(io.fd); err != nil {
				l.log.WithFields(logrus.Fields{"fd": io.fd, "io": io.Name}).WithError(err).Debug("deregister descriptor")
			}
		}
		if err := unix.Close(io.fd); err != nil {
			l.log.WithFields(logrus.Fields{"fd": io.fd, "io": io.Name}).WithError(err).Warn("close descriptor")
		}
		io.fd = -1
	}
	if partner := io.cancelOnClose; partner != nil {
		io.cancelOnClose = nil
		partner.Close()
	}
	if io.OnFinalize != nil {
		io.OnFinalize(io)
	}
	l.retire(io)
}
