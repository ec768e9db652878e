// Package pidfile implements the ingest driver's scoped single-writer lock:
// a PID file is written on acquire and removed on release, so a crashed
// process's stale lock can be distinguished from a live one.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock represents an acquired PID file; callers must call Release when
// done, typically via defer right after a successful Acquire.
type Lock struct {
	path string
}

// Acquire writes the current process's PID to path, failing if an existing
// PID file names a process that is still alive. A PID file naming a dead
// process is treated as stale and overwritten.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pidfile: create dir: %w", err)
	}
	if raw, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("pidfile: another ingest is already running (pid %d)", pid)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("pidfile: write: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the PID file. Safe to call once; a second call is a
// no-op error the caller may ignore.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}

// CheckRunning reports whether path names a PID file belonging to a still-
// live process, without acquiring it — used by the ingest driver to refuse
// to run while a watcher holds the lock.
func CheckRunning(path string) (pid int, alive bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
