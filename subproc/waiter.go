// File: subproc/waiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fallback exit observation: a goroutine blocks in Wait and pokes a pipe
// the loop reads. The goroutine never touches loop state.

package subproc

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

type waiter struct {
	mu    sync.Mutex
	state unix.WaitStatus
	err   error
}

func (s *Supervisor) watchWithWaiter(p *Subproc) error {
	r, w, err := ioloop.NonblockingPipe()
	if err != nil {
		return err
	}
	io, err := s.loop.NewIO(r)
	if err != nil {
		unix.Close(r)
		unix.Close(w)
		return err
	}
	io.Name = "subproc-waiter"
	wt := &waiter{}
	p.waiter = wt
	p.watch = io
	if err := s.loop.AddReader(io, func(*ioloop.IO) { p.waited() }, nil); err != nil {
		unix.Close(w)
		return err
	}

	proc := p.proc
	go func() {
		ps, err := proc.Wait()
		wt.mu.Lock()
		if err == nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
				wt.state = unix.WaitStatus(ws)
			}
		}
		wt.err = err
		wt.mu.Unlock()
		_, _ = unix.Write(w, []byte{1})
		unix.Close(w)
	}()
	return nil
}

func (p *Subproc) waited() {
	wt := p.waiter
	wt.mu.Lock()
	ws, err := wt.state, wt.err
	wt.mu.Unlock()
	if err != nil {
		p.closeIOs()
		p.deliver(-1, api.Wrap(api.ErrCodeSpawn, "wait", err).WithContext("pid", p.pid))
		return
	}
	p.exited(ws)
}
