// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared vocabulary of srp-ioloop: socket addresses, structured errors and
// the callback shapes exchanged between the event loop core and the DNS-SD
// layers above it. The package has no platform dependencies.
package api
