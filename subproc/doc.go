// File: subproc/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package subproc runs helper programs from the event loop and reports
// their exit through a callback on the loop goroutine. Exit is observed
// through a pidfd registered with the loop, or through a waiter goroutine
// signalling a pipe where pidfds are unavailable.
package subproc
