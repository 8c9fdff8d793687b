//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processExists checks pid with signal 0. EPERM means the process is alive
// but owned by another user.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}
