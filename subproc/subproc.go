// File: subproc/subproc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Subprocess supervisor: process table, spawn, output capture and exit
// delivery.

package subproc

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

// MaxArgs bounds the arguments passed after the program path.
const MaxArgs = 20

// DefaultOutputLimit bounds the captured stdout+stderr per process.
const DefaultOutputLimit = 64 << 10

// ErrTooManyArgs is returned synchronously when more than MaxArgs
// arguments are given.
var ErrTooManyArgs = errors.New("too many subprocess arguments")

// Callback receives the exit status. err is nil for a normal exit, whatever
// the status; it describes the failure when the program could not be
// started (status -1) or was killed by a signal (status 128+signal).
type Callback func(p *Subproc, status int, err error)

// Subproc is one supervised child.
type Subproc struct {
	// Context is free for the caller.
	Context any

	sup    *Supervisor
	path   string
	args   []string
	cb     Callback
	proc   *os.Process
	pid    int
	watch  *ioloop.IO
	output *ioloop.IO
	out    []byte
	waiter *waiter
	status int
	done   bool
	log    *logrus.Entry
}

// Pid returns the process id, 0 when the spawn failed.
func (p *Subproc) Pid() int { return p.pid }

// Path returns the program path.
func (p *Subproc) Path() string { return p.path }

// Args returns a copy of the arguments after the path.
func (p *Subproc) Args() []string { return append([]string(nil), p.args...) }

// Output returns the captured stdout and stderr. It is complete once the
// callback has run.
func (p *Subproc) Output() []byte { return p.out }

// Done reports whether the callback has been delivered.
func (p *Subproc) Done() bool { return p.done }

// Status returns the exit status delivered to the callback.
func (p *Subproc) Status() int { return p.status }

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithOutputLimit bounds captured output per process; 0 disables capture.
func WithOutputLimit(n int) Option {
	return func(s *Supervisor) {
		if n >= 0 {
			s.outputLimit = n
		}
	}
}

// WithoutPidfd forces the waiter goroutine fallback.
func WithoutPidfd() Option {
	return func(s *Supervisor) { s.noPidfd = true }
}

// Supervisor owns the process table of one loop.
type Supervisor struct {
	loop        *ioloop.Loop
	procs       map[int]*Subproc
	outputLimit int
	noPidfd     bool
	closed      bool
	log         *logrus.Entry
}

// NewSupervisor creates an empty process table on loop.
func NewSupervisor(loop *ioloop.Loop, opts ...Option) *Supervisor {
	s := &Supervisor{
		loop:        loop,
		procs:       make(map[int]*Subproc),
		outputLimit: DefaultOutputLimit,
		log:         loop.Logger().WithField("component", "subproc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running returns the children whose callback is still pending, by pid.
func (s *Supervisor) Running() []*Subproc {
	out := make([]*Subproc, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Spawn starts path with args and returns immediately. A spawn failure is
// not returned: the handle comes back and cb fires with status -1 on the
// next loop pass. Only invalid arguments fail synchronously.
func (s *Supervisor) Spawn(path string, args []string, cb Callback) (*Subproc, error) {
	if s.closed {
		return nil, api.ErrClosed
	}
	if len(args) > MaxArgs {
		return nil, api.Wrap(api.ErrCodeInvalidArgument, "spawn", ErrTooManyArgs).
			WithContext("args", len(args)).
			WithContext("max", MaxArgs)
	}
	if path == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "spawn: empty program path")
	}
	p := &Subproc{
		sup:  s,
		path: path,
		args: append([]string(nil), args...),
		cb:   cb,
		log:  s.log.WithField("program", path),
	}
	if err := s.start(p); err != nil {
		s.failLater(p, err)
		return p, nil
	}
	s.procs[p.pid] = p
	p.log = p.log.WithField("pid", p.pid)
	p.log.WithField("args", p.args).Debug("subprocess started")
	s.loop.Metrics().Add("subproc.started", 1)
	return p, nil
}

func (s *Supervisor) start(p *Subproc) error {
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return err
	}
	defer devnull.Close()

	outR := -1
	var outW *os.File
	if s.outputLimit > 0 {
		r, w, err := ioloop.NonblockingPipe()
		if err != nil {
			return err
		}
		outR = r
		outW = os.NewFile(uintptr(w), "subproc-output")
	} else {
		outW = devnull
	}

	argv := append([]string{p.path}, p.args...)
	proc, err := os.StartProcess(p.path, argv, &os.ProcAttr{
		Files: []*os.File{devnull, outW, outW},
	})
	if outW != devnull {
		outW.Close()
	}
	if err != nil {
		if outR >= 0 {
			unix.Close(outR)
		}
		return err
	}
	p.proc = proc
	p.pid = proc.Pid

	if outR >= 0 {
		io, err := s.loop.NewIO(outR)
		if err == nil {
			io.Name = "subproc-output"
			err = s.loop.AddReader(io, func(*ioloop.IO) { p.readOutput() }, nil)
			p.output = io
		} else {
			unix.Close(outR)
		}
		if err != nil {
			p.log.WithError(err).Warn("output capture disabled")
		}
	}
	if err := s.watchExit(p); err != nil {
		_ = proc.Kill()
		go proc.Wait()
		p.closeIOs()
		return err
	}
	return nil
}

// failLater delivers a spawn failure from a zero-delay wakeup so the
// callback never runs inside Spawn.
func (s *Supervisor) failLater(p *Subproc, err error) {
	serr := api.Wrap(api.ErrCodeSpawn, fmt.Sprintf("start %s", p.path), err)
	p.log.WithError(err).Warn("subprocess spawn failed")
	s.loop.Metrics().Add("subproc.failed", 1)
	t := s.loop.NewTimer(nil)
	t.Name = "subproc-spawn-failure"
	t.OnWakeup = func(io *ioloop.IO) {
		io.Close()
		p.deliver(-1, serr)
	}
	t.SetWakeup(s.loop.TimeNow())
}

func (p *Subproc) readOutput() {
	var buf [4096]byte
	for {
		n, err := unix.Read(p.output.Fd(), buf[:])
		if n > 0 {
			if room := p.sup.outputLimit - len(p.out); room > 0 {
				if n > room {
					n = room
				}
				p.out = append(p.out, buf[:n]...)
			}
			continue
		}
		if err == nil || !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			// EOF or a hard error: the child side is gone.
			p.output.Close()
			p.output = nil
		}
		return
	}
}

// exited records the status and fires the callback once.
func (p *Subproc) exited(ws unix.WaitStatus) {
	if p.output != nil {
		p.readOutput()
	}
	p.closeIOs()
	if p.proc != nil {
		_ = p.proc.Release()
	}
	switch {
	case ws.Exited():
		p.log.WithField("status", ws.ExitStatus()).Debug("subprocess exited")
		p.deliver(ws.ExitStatus(), nil)
	case ws.Signaled():
		sig := ws.Signal()
		p.log.WithField("signal", sig.String()).Info("subprocess killed")
		p.deliver(128+int(sig), api.Wrap(api.ErrCodeSpawn, "subprocess terminated", fmt.Errorf("killed by signal %s", sig)).
			WithContext("pid", p.pid))
	default:
		p.deliver(-1, api.NewError(api.ErrCodeSpawn, "subprocess ended with unknown status").WithContext("pid", p.pid))
	}
}

func (p *Subproc) deliver(status int, err error) {
	if p.done {
		return
	}
	p.done = true
	p.status = status
	delete(p.sup.procs, p.pid)
	p.sup.loop.Metrics().Add("subproc.exited", 1)
	if p.cb != nil {
		p.cb(p, status, err)
	}
}

func (p *Subproc) closeIOs() {
	if p.watch != nil {
		p.watch.Close()
		p.watch = nil
	}
	if p.output != nil {
		p.output.Close()
		p.output = nil
	}
}

// Kill sends SIGKILL to p. The callback still fires with the signal
// status once the exit is observed.
func (s *Supervisor) Kill(p *Subproc) error {
	if p.done || p.proc == nil {
		return api.ErrClosed
	}
	if err := p.proc.Signal(unix.SIGKILL); err != nil {
		return api.Wrap(api.ErrCodeIO, "kill subprocess", err).WithContext("pid", p.pid)
	}
	return nil
}

// Close kills every remaining child without delivering callbacks.
func (s *Supervisor) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, p := range s.Running() {
		p.done = true
		p.closeIOs()
		if p.waiter == nil && p.proc != nil {
			_ = p.proc.Kill()
			go p.proc.Wait()
		} else if p.proc != nil {
			_ = p.proc.Kill()
		}
		delete(s.procs, p.pid)
	}
}
