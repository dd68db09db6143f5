//go:build windows

package lockfile

import "os"

// processAlive probes a PID by opening a process handle. On Windows
// os.FindProcess fails when no process with the given PID exists; a
// successful open means the process (or at least its PID slot) is live.
// Open failures other than "not found" are ambiguous and reported as alive.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
