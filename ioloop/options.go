// File: ioloop/options.go
// Package ioloop defines functional options for the Loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ioloop

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/srp-ioloop/control"
	"github.com/momentics/srp-ioloop/reactor"
)

// DefaultMaxEvents bounds the descriptors dispatched per pass.
const DefaultMaxEvents = 128

// Option customizes loop initialization.
type Option func(*Loop)

// WithLogger routes loop and transport logging to logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.log = logger.WithField("component", "ioloop")
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(l *Loop) {
		l.metrics = mr
	}
}

// WithProbes registers an "ioloop" probe reporting Stats.
func WithProbes(dp *control.DebugProbes) Option {
	return func(l *Loop) {
		l.probes = dp
	}
}

// WithMaxEvents overrides how many ready descriptors one pass handles.
func WithMaxEvents(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithMaxMessageSize sets the capacity of the loop's message allocator.
func WithMaxMessageSize(n int) Option {
	return func(l *Loop) {
		l.maxMessage = n
	}
}

// WithPoller substitutes the readiness multiplexer.
func WithPoller(p reactor.Poller) Option {
	return func(l *Loop) {
		l.poller = p
	}
}
