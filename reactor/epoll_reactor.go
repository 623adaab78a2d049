//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
)

// epollReactor implements Poller using level-triggered epoll.
type epollReactor struct {
	epfd int
	raw  []unix.EpollEvent
}

// New creates a new epoll-backed Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{epfd: epfd}, nil
}

func epollMask(interest FDEventType) uint32 {
	var ev uint32
	if interest&EventRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) ctl(op, fd int, token uint32, interest FDEventType) error {
	ev := unix.EpollEvent{
		Events: epollMask(interest),
		Fd:     int32(fd),
		Pad:    int32(token),
	}
	return unix.EpollCtl(r.epfd, op, fd, &ev)
}

// Add registers fd with epoll.
func (r *epollReactor) Add(fd int, token uint32, interest FDEventType) error {
	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, token, interest); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify changes the interest set of fd.
func (r *epollReactor) Modify(fd int, token uint32, interest FDEventType) error {
	if err := r.ctl(unix.EPOLL_CTL_MOD, fd, token, interest); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Remove deregisters fd from epoll.
func (r *epollReactor) Remove(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks in epoll_wait and translates the ready set.
func (r *epollReactor) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, api.Wrap(api.ErrCodeInvalidArgument, "epoll wait: empty event slice", nil)
	}
	if cap(r.raw) < len(events) {
		r.raw = make([]unix.EpollEvent, len(events))
	}
	raw := r.raw[:len(events)]

	n, err := unix.EpollWait(r.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, api.ErrInterrupted
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := raw[i]
		var t FDEventType
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			t |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			t |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			t |= EventError
		}
		events[i] = Event{
			Fd:     int(ev.Fd),
			Token:  uint32(ev.Pad),
			Events: t,
		}
	}
	return n, nil
}

// Close releases the epoll file descriptor.
func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
