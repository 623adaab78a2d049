//go:build !linux

// File: subproc/watch_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package subproc

func (s *Supervisor) watchExit(p *Subproc) error {
	return s.watchWithWaiter(p)
}
