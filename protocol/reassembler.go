// File: protocol/reassembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reassembly state machine for length-prefixed stream frames. Feed accepts
// whatever a single read produced and keeps going until the input is
// exhausted, so one read may complete several frames.

package protocol

import (
	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/pool"
)

// State is the reassembly position within the current frame.
type State int

const (
	AwaitingPrefixByte0 State = iota
	AwaitingPrefixByte1
	AwaitingPayload
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingPrefixByte0:
		return "awaiting-prefix-0"
	case AwaitingPrefixByte1:
		return "awaiting-prefix-1"
	case AwaitingPayload:
		return "awaiting-payload"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Allocator supplies message records for completed prefixes.
type Allocator interface {
	Allocate(size int) (*pool.Message, error)
	Capacity() int
}

// DeliverFunc receives ownership of a completed message. Returning false
// stops Feed without touching the remaining input; the reassembler is then
// expected to be discarded.
type DeliverFunc func(msg *pool.Message) bool

// Reassembler tracks one stream's partial frame. Invariant: cur <= length
// while in AwaitingPayload.
type Reassembler struct {
	state  State
	length int
	cur    int
	msg    *pool.Message
	alloc  Allocator
	frames uint64
}

// NewReassembler creates a reassembler drawing records from alloc. The
// allocator capacity is the maximum accepted frame length.
func NewReassembler(alloc Allocator) *Reassembler {
	return &Reassembler{alloc: alloc}
}

// State returns the current state.
func (r *Reassembler) State() State { return r.state }

// Pending reports whether a frame is partially received.
func (r *Reassembler) Pending() bool { return r.state != AwaitingPrefixByte0 }

// Frames returns the number of frames delivered so far.
func (r *Reassembler) Frames() uint64 { return r.frames }

// Feed consumes p. A framing violation returns an error wrapping
// ErrZeroLength or ErrFrameTooLarge; the stream cannot be resynchronised
// after that and must be aborted.
func (r *Reassembler) Feed(p []byte, deliver DeliverFunc) error {
	for len(p) > 0 {
		switch r.state {
		case AwaitingPrefixByte0:
			r.length = int(p[0]) << 8
			p = p[1:]
			r.state = AwaitingPrefixByte1

		case AwaitingPrefixByte1:
			r.length |= int(p[0])
			p = p[1:]
			if err := r.begin(); err != nil {
				return err
			}

		case AwaitingPayload:
			n := copy(r.msg.Wire[r.cur:r.length], p)
			r.cur += n
			p = p[n:]
			if r.cur == r.length {
				r.state = Complete
			}
		}

		if r.state == Complete {
			msg := r.msg
			r.msg = nil
			r.length, r.cur = 0, 0
			r.state = AwaitingPrefixByte0
			r.frames++
			if !deliver(msg) {
				return nil
			}
		}
	}
	return nil
}

func (r *Reassembler) begin() error {
	if r.length == 0 {
		return api.Wrap(api.ErrCodeFraming, "declared frame length", ErrZeroLength)
	}
	if r.length > r.alloc.Capacity() {
		return api.Wrap(api.ErrCodeFraming, "declared frame length", ErrFrameTooLarge).
			WithContext("length", r.length).
			WithContext("capacity", r.alloc.Capacity())
	}
	msg, err := r.alloc.Allocate(r.length)
	if err != nil {
		return api.Wrap(api.ErrCodeFraming, "allocate frame", err)
	}
	r.msg = msg
	r.cur = 0
	r.state = AwaitingPayload
	return nil
}

// Reset drops any partial frame and releases its record.
func (r *Reassembler) Reset() {
	if r.msg != nil {
		r.msg.Release()
		r.msg = nil
	}
	r.length, r.cur = 0, 0
	r.state = AwaitingPrefixByte0
}
