// File: netmon/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package netmon reports interface addresses and their changes on the
// event loop. Subscribers get one "added" event per current address, then
// add and delete events whenever a rescan differs from the previous
// snapshot. Rescans are triggered by rtnetlink address notifications, or
// by a polling timer where netlink is unavailable.
package netmon
