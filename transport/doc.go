// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport implements Comm, the loop-driven transport object for
// DNS traffic: UDP unicast and multicast listeners, TCP listeners, inbound
// and outbound TCP connections, and TLS over any stream role.
//
// Datagram roles deliver one Message per received datagram with source,
// local address and interface index. Stream roles reassemble 2-byte
// length-prefixed frames and deliver each completed message exactly once.
// All callbacks run on the loop goroutine.
package transport
