// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generic object recycling used by the message allocator.

package pool

import "sync"

// ObjectPool recycles values of one type.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for typed usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a SyncPool whose empty Get calls creator.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

// Get returns a recycled value or a fresh one.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put recycles obj.
func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}
