// Package pidfile writes and removes the process id file named by
// Config.PIDFile, per spec.md §6's Scenario 6 ("the PID file, if any, was
// present during runtime").
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Write creates path containing the current process id. It fails if the
// file already exists and names a live process, to avoid two servers
// silently sharing one PID file.
func Write(path string) error {
	if path == "" {
		return nil
	}
	if existing, err := os.ReadFile(path); err == nil { // #nosec G304 -- operator-provided config path
		if pid, perr := strconv.Atoi(string(existing)); perr == nil && processAlive(pid) {
			return fmt.Errorf("pidfile: %s already names running pid %d", path, pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644) // #nosec G306 -- pid files are world-readable by convention
}

// Remove deletes path, ignoring a not-exist error so shutdown is idempotent.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
