// File: ioloop/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ioloop

import "container/heap"

// timerHeap is a min-heap of armed handles ordered by wakeup, then by the
// order they were armed.
type timerHeap []*IO

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].wakeup.Equal(h[j].wakeup) {
		return h[i].seq < h[j].seq
	}
	return h[i].wakeup.Before(h[j].wakeup)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	io := x.(*IO)
	io.heapIndex = len(*h)
	*h = append(*h, io)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	io := old[n-1]
	old[n-1] = nil
	io.heapIndex = -1
	*h = old[:n-1]
	return io
}

// popTimer removes the earliest handle; its wakeup value is kept so the
// caller can still tell whether it was re-armed or cleared.
func (l *Loop) popTimer() *IO {
	return heap.Pop(&l.timers).(*IO)
}
