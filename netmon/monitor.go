// File: netmon/monitor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Interface-address monitor: snapshot, diff and subscriber fan-out.

package netmon

import (
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/ioloop"
)

// DefaultPollInterval is the rescan period without netlink.
const DefaultPollInterval = 5 * api.Second

// Entry is one address assigned to an interface.
type Entry struct {
	Name    string
	Index   int
	Address api.Address
	Netmask api.Address
}

// SnapshotFunc lists the current interface addresses.
type SnapshotFunc func() ([]Entry, error)

// SystemSnapshot enumerates addresses with net.Interfaces.
func SystemSnapshot() ([]Entry, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr := api.AddressFromNetIP(ipn.IP, 0)
			if !addr.IsValid() {
				continue
			}
			out = append(out, Entry{
				Name:    ifi.Name,
				Index:   ifi.Index,
				Address: addr,
				Netmask: api.AddressFromNetIP(net.IP(ipn.Mask), 0),
			})
		}
	}
	return out, nil
}

type subscription struct {
	context any
	cb      api.InterfaceCallback
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSnapshotFunc replaces the address source.
func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(m *Monitor) { m.snapshot = fn }
}

// WithPollInterval sets the fallback rescan period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPolling skips netlink and always rescans on a timer.
func WithPolling() Option {
	return func(m *Monitor) { m.polling = true }
}

// Monitor tracks interface addresses for one loop.
type Monitor struct {
	loop     *ioloop.Loop
	snapshot SnapshotFunc
	interval time.Duration
	polling  bool
	log      *logrus.Entry

	current map[Entry]struct{}
	subs    []subscription
	watch   *ioloop.IO
	timer   *ioloop.IO
	started bool
	closed  bool
}

// New creates a monitor; nothing is opened until the first subscription.
func New(loop *ioloop.Loop, opts ...Option) *Monitor {
	m := &Monitor{
		loop:     loop,
		snapshot: SystemSnapshot,
		interval: DefaultPollInterval,
		log:      loop.Logger().WithField("component", "netmon"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MapInterfaceAddresses reports every current address to cb as added,
// synchronously, then keeps cb subscribed to later changes.
func (m *Monitor) MapInterfaceAddresses(context any, cb api.InterfaceCallback) error {
	if m.closed {
		return api.ErrClosed
	}
	if cb == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "interface callback is required")
	}
	if !m.started {
		entries, err := m.snapshot()
		if err != nil {
			return api.Wrap(api.ErrCodeIO, "enumerate interface addresses", err)
		}
		m.current = toSet(entries)
		m.start()
	}
	for _, e := range sorted(m.current) {
		cb(context, e.Name, e.Address, e.Netmask, e.Index, api.InterfaceAddressAdded)
	}
	m.subs = append(m.subs, subscription{context: context, cb: cb})
	return nil
}

func (m *Monitor) start() {
	m.started = true
	if !m.polling {
		io, err := m.openWatch()
		if err == nil {
			m.watch = io
			m.log.Debug("watching rtnetlink address notifications")
			return
		}
		m.log.WithError(err).Info("netlink unavailable, polling interfaces")
	}
	m.timer = m.loop.NewTimer(func(t *ioloop.IO) {
		m.Rescan()
		if !m.closed {
			t.SetWakeupAfter(m.interval)
		}
	})
	m.timer.Name = "netmon-poll"
	m.timer.SetWakeupAfter(m.interval)
}

// Polling reports whether rescans run from the fallback timer.
func (m *Monitor) Polling() bool { return m.timer != nil }

// Rescan takes a new snapshot and notifies subscribers of differences.
// Deletions are reported before additions.
func (m *Monitor) Rescan() {
	if m.closed || !m.started {
		return
	}
	entries, err := m.snapshot()
	if err != nil {
		m.log.WithError(err).Warn("interface rescan")
		return
	}
	next := toSet(entries)
	var deleted, added []Entry
	for e := range m.current {
		if _, ok := next[e]; !ok {
			deleted = append(deleted, e)
		}
	}
	for e := range next {
		if _, ok := m.current[e]; !ok {
			added = append(added, e)
		}
	}
	m.current = next
	sortEntries(deleted)
	sortEntries(added)
	for _, e := range deleted {
		m.notify(e, api.InterfaceAddressDeleted)
	}
	for _, e := range added {
		m.notify(e, api.InterfaceAddressAdded)
	}
	m.loop.Metrics().Add("netmon.rescans", 1)
}

func (m *Monitor) notify(e Entry, change api.InterfaceAddressChange) {
	m.log.WithFields(logrus.Fields{
		"interface": e.Name,
		"ifindex":   e.Index,
		"address":   e.Address.String(),
		"change":    change.String(),
	}).Info("interface address changed")
	for _, s := range m.subs {
		if m.closed {
			return
		}
		s.cb(s.context, e.Name, e.Address, e.Netmask, e.Index, change)
	}
}

// Close stops watching and drops every subscription.
func (m *Monitor) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.watch != nil {
		m.watch.Close()
	}
	if m.timer != nil {
		m.timer.Close()
	}
	m.subs = nil
}

func toSet(entries []Entry) map[Entry]struct{} {
	set := make(map[Entry]struct{}, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set
}

func sorted(set map[Entry]struct{}) []Entry {
	out := make([]Entry, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Index != es[j].Index {
			return es[i].Index < es[j].Index
		}
		if es[i].Address.IP != es[j].Address.IP {
			return es[i].Address.IP.Less(es[j].Address.IP)
		}
		return es[i].Netmask.IP.Less(es[j].Netmask.IP)
	})
}
