//go:build unix

package lockfile

import (
	"errors"
	"syscall"
)

// processAlive probes a PID with signal 0. ESRCH means no such process;
// EPERM means the process exists but belongs to another user. Any other
// failure is ambiguous and reported as alive so a real holder's lock is
// never reclaimed by mistake.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) {
		return false
	}
	return true
}
