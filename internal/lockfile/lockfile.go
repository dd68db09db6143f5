// Package lockfile provides advisory cross-process exclusion over a project
// path via a sidecar lock file.
//
// The lock file holds two text lines: the owner PID and the acquisition Unix
// timestamp. External recovery tooling reads the same format to report
// "locked by PID n, age s seconds". A lock file's existence alone does not
// imply a live holder: staleness is decided by probing the recorded PID, or
// by age when no PID was recorded.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Suffix appended to the project path to form the lock file path.
	Suffix = ".lock"

	// pollInterval is how often a blocked acquire re-checks the holder.
	pollInterval = 250 * time.Millisecond

	// staleAge is the age past which a lock with no readable PID is
	// presumed abandoned.
	staleAge = 2 * time.Hour
)

// ErrLockTimeout matches a conflicting live holder that outlasted the wait
// window.
var ErrLockTimeout = errors.New("lock held by another process")

// ErrLockAcquisition matches an OS-level failure creating the lock file.
var ErrLockAcquisition = errors.New("lock acquisition failed")

// TimeoutError reports the live holder so a human can decide whether to
// intervene.
type TimeoutError struct {
	Path      string
	HolderPID int
	Age       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: locked by PID %d, age %d seconds", e.Path, e.HolderPID, int(e.Age.Seconds()))
}

func (e *TimeoutError) Unwrap() error { return ErrLockTimeout }

// Lock is an advisory lock over one project path. Not safe for concurrent
// use by multiple goroutines; each open store holds exactly one.
type Lock struct {
	path string // the lock file itself, not the project path
	now  func() time.Time

	mu       sync.Mutex
	acquired bool
	logger   *slog.Logger
}

// New builds a lock for the given project path. The lock file is a sibling
// named projectPath + ".lock".
func New(projectPath string) *Lock {
	l := &Lock{
		path:   projectPath + Suffix,
		now:    time.Now,
		logger: slog.Default().With("lock", projectPath+Suffix),
	}
	// Abnormal exits must not leak the file; release with a warning if the
	// holder never did.
	runtime.SetFinalizer(l, func(l *Lock) {
		l.mu.Lock()
		leaked := l.acquired
		l.mu.Unlock()
		if leaked {
			l.logger.Warn("lock released by finalizer; call Release explicitly")
			l.Release()
		}
	})
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock, waiting up to timeout for a conflicting live
// holder to release. Stale locks (dead PID, or no PID and older than two
// hours) are reclaimed without waiting. Re-entrant: if this process already
// holds the lock, Acquire succeeds immediately.
func (l *Lock) Acquire(timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.acquired {
		return nil
	}

	deadline := l.now().Add(timeout)
	for {
		created, err := l.tryCreate()
		if err != nil {
			return err
		}
		if created {
			l.acquired = true
			return nil
		}

		holderPID, age, stale := l.inspectExisting()
		if holderPID == os.Getpid() {
			// Our own lock file survived a previous instance in this
			// process; adopt it.
			l.acquired = true
			return nil
		}
		if stale {
			l.logger.Info("reclaiming stale lock", "holder_pid", holderPID, "age", age)
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: removing stale lock: %v", ErrLockAcquisition, err)
			}
			continue
		}

		if !l.now().Before(deadline) {
			return &TimeoutError{Path: l.path, HolderPID: holderPID, Age: age}
		}
		time.Sleep(pollInterval)
	}
}

// tryCreate atomically creates the lock file if absent.
func (l *Lock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockAcquisition, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), l.now().Unix()); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("%w: writing lock file: %v", ErrLockAcquisition, err)
	}
	return true, nil
}

// inspectExisting reads the current lock file and classifies it.
// Returns the holder PID (0 if unreadable), the lock age, and staleness.
// A vanished file counts as stale so the caller retries immediately.
func (l *Lock) inspectExisting() (holderPID int, age time.Duration, stale bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, 0, true
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 3)

	if len(lines) >= 2 {
		if ts, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
			age = l.now().Sub(time.Unix(ts, 0))
		}
	}
	if age == 0 {
		if info, err := os.Stat(l.path); err == nil {
			age = l.now().Sub(info.ModTime())
		}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		// No PID recorded: only an age bound can call it abandoned.
		return 0, age, age > staleAge
	}

	// Ambiguous probes report alive, so a real holder's lock is never
	// destroyed on the strength of a failed syscall.
	return pid, age, !processAlive(pid)
}

// Release drops the lock. Idempotent. Never removes a lock file this
// instance does not hold.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquired {
		return nil
	}
	l.acquired = false

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsLocked reports lock file existence only; it performs no liveness check.
func (l *Lock) IsLocked() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Holder reports the PID and age recorded in an existing lock file, for
// recovery tooling. ok is false when no lock file exists.
func Holder(projectPath string) (pid int, age time.Duration, ok bool) {
	l := &Lock{path: projectPath + Suffix, now: time.Now, logger: slog.Default()}
	if !l.IsLocked() {
		return 0, 0, false
	}
	pid, age, _ = l.inspectExisting()
	return pid, age, true
}
