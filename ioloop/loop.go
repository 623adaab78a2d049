// File: ioloop/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event loop driver: one blocking wait per Events call, then a single
// dispatch pass over ready descriptors and expired timers.

package ioloop

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/control"
	"github.com/momentics/srp-ioloop/pool"
	"github.com/momentics/srp-ioloop/reactor"
)

// Stats is a point-in-time view of loop state.
type Stats struct {
	Handles    int    `json:"handles"`
	Timers     int    `json:"timers"`
	Passes     uint64 `json:"passes"`
	Dispatched uint64 `json:"dispatched"`
	Wakeups    uint64 `json:"wakeups"`
}

// Loop owns every registered IO. It is not safe for concurrent use: all
// methods, and all callbacks, run on the goroutine that drives Events.
type Loop struct {
	poller     reactor.Poller
	maxEvents  int
	maxMessage int
	events     []reactor.Event

	now    time.Time
	ios    map[uint32]*IO
	token  uint32
	timers timerHeap
	seq    uint64
	due    []*IO

	// Closed handles wait here until the pass that closed them finishes.
	removals    *queue.Queue
	dispatching bool
	closed      bool

	messages *pool.MessagePool
	log      *logrus.Entry
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	stats    Stats
}

// New establishes loop state. It fails with an ErrCodeInit error when the
// readiness multiplexer cannot be created.
func New(opts ...Option) (*Loop, error) {
	l := &Loop{
		maxEvents: DefaultMaxEvents,
		ios:       make(map[uint32]*IO),
		removals:  queue.New(),
		log:       logrus.StandardLogger().WithField("component", "ioloop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.poller == nil {
		p, err := reactor.New()
		if err != nil {
			return nil, api.Wrap(api.ErrCodeInit, "create readiness multiplexer", err)
		}
		l.poller = p
	}
	l.events = make([]reactor.Event, l.maxEvents)
	l.messages = pool.NewMessagePool(l.maxMessage)
	l.now = time.Now()
	if l.probes != nil {
		l.probes.RegisterProbe("ioloop", func() any { return l.Stats() })
	}
	l.log.WithFields(logrus.Fields{
		"max_events":  l.maxEvents,
		"max_message": l.messages.Capacity(),
	}).Debug("event loop initialized")
	return l, nil
}

// Now returns the loop clock, refreshed around every wait. It carries a
// monotonic reading.
func (l *Loop) Now() time.Time { return l.now }

// TimeNow refreshes and returns the loop clock.
func (l *Loop) TimeNow() time.Time {
	l.now = time.Now()
	return l.now
}

// Logger returns the loop's log entry for components built on it.
func (l *Loop) Logger() *logrus.Entry { return l.log }

// Metrics returns the attached registry, possibly nil.
func (l *Loop) Metrics() *control.MetricsRegistry { return l.metrics }

// Messages returns the loop's message allocator.
func (l *Loop) Messages() *pool.MessagePool { return l.messages }

// Stats reports handle and dispatch counters.
func (l *Loop) Stats() Stats {
	s := l.stats
	s.Handles = len(l.ios) - l.removals.Length()
	s.Timers = len(l.timers)
	return s
}

// Events waits until a descriptor is ready, the earliest wakeup is due, or
// deadline passes (a zero deadline imposes no caller bound), then
// dispatches. It returns the number of callbacks invoked. An interrupted
// wait returns api.ErrInterrupted and dispatches nothing; retry it.
func (l *Loop) Events(deadline time.Time) (int, error) {
	if l.closed {
		return 0, api.ErrClosed
	}
	l.now = time.Now()
	n, err := l.poller.Wait(l.events, l.timeout(deadline))
	l.now = time.Now()
	if err != nil {
		if errors.Is(err, api.ErrInterrupted) {
			return 0, err
		}
		return 0, api.Wrap(api.ErrCodeIO, "wait for readiness", err)
	}

	l.dispatching = true
	dispatched := 0
	for i := 0; i < n; i++ {
		dispatched += l.dispatch(l.events[i])
	}
	wakeups := l.runTimers()
	dispatched += wakeups
	l.dispatching = false
	l.flushRemovals()

	l.stats.Passes++
	l.stats.Dispatched += uint64(dispatched)
	l.stats.Wakeups += uint64(wakeups)
	l.metrics.Add("ioloop.passes", 1)
	l.metrics.Add("ioloop.dispatched", int64(dispatched))
	l.metrics.Add("ioloop.wakeups", int64(wakeups))
	return dispatched, nil
}

func (l *Loop) dispatch(ev reactor.Event) int {
	io, ok := l.ios[ev.Token]
	if !ok || io.closed || io.fd != ev.Fd {
		return 0
	}
	count := 0
	if ev.Events&(reactor.EventRead|reactor.EventError) != 0 && io.wantRead && io.OnRead != nil {
		io.OnRead(io)
		count++
	}
	if ev.Events&(reactor.EventWrite|reactor.EventError) != 0 && !io.closed && io.wantWrite && io.OnWrite != nil {
		io.OnWrite(io)
		count++
	}
	return count
}

// timeout computes the wait bound: min(deadline, earliest wakeup).
func (l *Loop) timeout(deadline time.Time) time.Duration {
	until := deadline
	if len(l.timers) > 0 {
		if w := l.timers[0].wakeup; until.IsZero() || w.Before(until) {
			until = w
		}
	}
	if until.IsZero() {
		return -1
	}
	d := until.Sub(l.now)
	if d < 0 {
		d = 0
	}
	return d
}

// runTimers fires every wakeup due at l.now in deadline order. Timers armed
// or re-armed by these callbacks wait for the next pass.
func (l *Loop) runTimers() int {
	l.due = l.due[:0]
	for len(l.timers) > 0 && !l.timers[0].wakeup.After(l.now) {
		l.due = append(l.due, l.popTimer())
	}
	fired := 0
	for i, io := range l.due {
		l.due[i] = nil
		if io.closed || io.heapIndex >= 0 || io.wakeup.IsZero() {
			continue
		}
		io.wakeup = time.Time{}
		if io.OnWakeup != nil {
			io.OnWakeup(io)
			fired++
		}
	}
	return fired
}

func (l *Loop) retire(io *IO) {
	if l.dispatching {
		l.removals.Add(io)
		return
	}
	delete(l.ios, io.token)
}

func (l *Loop) flushRemovals() {
	for l.removals.Length() > 0 {
		io := l.removals.Remove().(*IO)
		delete(l.ios, io.token)
	}
}

// Run drives Events until ctx is done. Interrupted waits are retried
// without being reported.
func (l *Loop) Run(ctx context.Context) error {
	wake, err := l.newWaker()
	if err != nil {
		return err
	}
	wake.arm(ctx)
	defer wake.stop()

	for ctx.Err() == nil {
		if _, err := l.Events(time.Time{}); err != nil && !errors.Is(err, api.ErrInterrupted) {
			return err
		}
	}
	return nil
}

// Close closes every remaining handle and releases the multiplexer.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	tokens := make([]uint32, 0, len(l.ios))
	for t := range l.ios {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		if io, ok := l.ios[t]; ok {
			io.Close()
		}
	}
	l.flushRemovals()
	l.closed = true
	return l.poller.Close()
}
