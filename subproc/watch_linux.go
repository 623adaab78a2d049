//go:build linux

// File: subproc/watch_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Exit observation: a pidfd turns readable when the child exits.

package subproc

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

func (s *Supervisor) watchExit(p *Subproc) error {
	if s.noPidfd {
		return s.watchWithWaiter(p)
	}
	pidfd, err := unix.PidfdOpen(p.pid, 0)
	if err != nil {
		s.log.WithError(err).Debug("pidfd unavailable, using waiter goroutine")
		s.noPidfd = true
		return s.watchWithWaiter(p)
	}
	unix.CloseOnExec(pidfd)
	io, err := s.loop.NewIO(pidfd)
	if err != nil {
		unix.Close(pidfd)
		return err
	}
	io.Name = "subproc-exit"
	p.watch = io
	return s.loop.AddReader(io, func(*ioloop.IO) { p.reap() }, nil)
}

// reap collects the exit status once the pidfd is readable.
func (p *Subproc) reap() {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			p.log.WithError(err).Warn("wait4")
			p.closeIOs()
			p.deliver(-1, api.Wrap(api.ErrCodeSpawn, "wait4", err).WithContext("pid", p.pid))
			return
		}
		if wpid == 0 {
			return
		}
		p.exited(ws)
		return
	}
}
