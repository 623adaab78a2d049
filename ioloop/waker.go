// File: ioloop/waker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-pipe used by Run to leave a blocking wait when its context ends.

package ioloop

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
)

type waker struct {
	io     *IO
	wfd    int
	cancel context.CancelFunc
	done   chan struct{}
}

// NonblockingPipe returns a close-on-exec pipe whose read end is
// non-blocking.
func NonblockingPipe() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, api.Wrap(api.ErrCodeIO, "pipe", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return -1, -1, api.Wrap(api.ErrCodeIO, "pipe nonblock", err)
	}
	return p[0], p[1], nil
}

func (l *Loop) newWaker() (*waker, error) {
	r, w, err := NonblockingPipe()
	if err != nil {
		return nil, err
	}
	io, err := l.NewIO(r)
	if err != nil {
		unix.Close(r)
		unix.Close(w)
		return nil, err
	}
	io.Name = "waker"
	wk := &waker{io: io, wfd: w, done: make(chan struct{})}
	if err := l.AddReader(io, func(*IO) { wk.drain() }, nil); err != nil {
		io.Close()
		unix.Close(w)
		return nil, err
	}
	return wk, nil
}

// arm starts the goroutine that pokes the pipe once ctx is done.
func (wk *waker) arm(ctx context.Context) {
	ctx, wk.cancel = context.WithCancel(ctx)
	go func() {
		defer close(wk.done)
		<-ctx.Done()
		_, _ = unix.Write(wk.wfd, []byte{1})
	}()
}

func (wk *waker) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(wk.io.Fd(), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (wk *waker) stop() {
	if wk.cancel != nil {
		wk.cancel()
		<-wk.done
	}
	unix.Close(wk.wfd)
	wk.io.Close()
}
