//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still blocks the pid file.
func processAlive(pid int) bool {
	switch err := syscall.Kill(pid, syscall.Signal(0)); {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}
