// File: pool/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message record: one reassembled or about-to-be-sent DNS wire message plus
// the addressing metadata it arrived with.

package pool

import "github.com/momentics/srp-ioloop/api"

// Message is a DNS datagram or stream frame. Wire has the message length;
// its capacity is fixed when the record is allocated.
type Message struct {
	Src     api.Address // peer that sent the message
	Local   api.Address // local address the message arrived on
	IfIndex int         // receiving interface, 0 when unknown
	Wire    []byte

	storage []byte
	owner   *MessagePool
	live    bool
}

// Len returns the wire length.
func (m *Message) Len() int { return len(m.Wire) }

// Cap returns the maximum wire length this record can hold.
func (m *Message) Cap() int { return len(m.storage) }

// Storage exposes the full-capacity buffer, used to receive straight into
// the record before the length is known.
func (m *Message) Storage() []byte { return m.storage }

// SetLen resizes Wire within the fixed capacity.
func (m *Message) SetLen(n int) error {
	if n < 0 || n > len(m.storage) {
		return api.NewError(api.ErrCodeInvalidArgument, "message length out of range").
			WithContext("length", n).
			WithContext("capacity", len(m.storage))
	}
	m.Wire = m.storage[:n]
	return nil
}

// Release hands the record back to its allocator. Releasing twice is a
// no-op.
func (m *Message) Release() {
	if m == nil || !m.live {
		return
	}
	if m.owner != nil {
		m.owner.Free(m)
		return
	}
	m.live = false
}
