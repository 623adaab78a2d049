// File: pool/message_pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message allocator sized to a maximum wire length. Records are recycled
// through SyncPool; the allocator is owned by one event loop.

package pool

import (
	"github.com/momentics/srp-ioloop/api"
)

const (
	// MaxWireLength is the largest message a 2-byte length prefix can carry.
	MaxWireLength = 0xFFFF

	// DefaultMaxMessageSize bounds a DNS message (RFC 6762 §17 allows up to
	// 9000 bytes of mDNS payload on jumbo-frame links).
	DefaultMaxMessageSize = 9000
)

// MessagePoolStats aggregates allocation/reuse stats.
type MessagePoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
}

// MessagePool allocates Message records of a single capacity.
type MessagePool struct {
	capacity int
	records  ObjectPool[*Message]
	stats    MessagePoolStats
}

// NewMessagePool creates an allocator whose records hold up to capacity
// bytes. Capacity is clamped to [1, MaxWireLength].
func NewMessagePool(capacity int) *MessagePool {
	if capacity <= 0 {
		capacity = DefaultMaxMessageSize
	}
	if capacity > MaxWireLength {
		capacity = MaxWireLength
	}
	mp := &MessagePool{capacity: capacity}
	mp.records = NewSyncPool(func() *Message {
		return &Message{storage: make([]byte, capacity), owner: mp}
	})
	return mp
}

// Capacity returns the fixed record capacity.
func (mp *MessagePool) Capacity() int { return mp.capacity }

// Allocate returns a record with Wire of length size. A size beyond the
// capacity is refused rather than truncated.
func (mp *MessagePool) Allocate(size int) (*Message, error) {
	if size < 0 || size > mp.capacity {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "message exceeds allocator capacity").
			WithContext("size", size).
			WithContext("capacity", mp.capacity)
	}
	m := mp.records.Get()
	m.Src = api.Address{}
	m.Local = api.Address{}
	m.IfIndex = 0
	m.Wire = m.storage[:size]
	m.live = true
	mp.stats.TotalAlloc++
	mp.stats.InUse++
	return m, nil
}

// Free returns m to the pool. Freeing an already-freed record or one from
// another allocator is ignored.
func (mp *MessagePool) Free(m *Message) {
	if m == nil || !m.live || m.owner != mp {
		return
	}
	m.live = false
	m.Wire = nil
	mp.stats.TotalFree++
	mp.stats.InUse--
	mp.records.Put(m)
}

// Stats exposes accounting for observability.
func (mp *MessagePool) Stats() MessagePoolStats {
	return mp.stats
}
