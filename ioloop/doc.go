// File: ioloop/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package ioloop implements the single-threaded event loop driver: a
// registry of I/O handles with per-direction interest, absolute-time
// wakeups, and Events, which performs one bounded wait and dispatches every
// ready callback and expired timer in a single pass.
//
// Every callback runs on the goroutine calling Events or Run. Handles may be
// created or closed from inside callbacks; a closed handle is inert at once
// and leaves the registry when the current pass ends.
package ioloop
