// Package daemon manages the PID file used for start/stop control of a
// backgrounded server process.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile records the current process PID. A PID file pointing at a
// live process is an error; a stale one is replaced.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("already running with PID %d (per %s)", pid, path)
		}
		// Stale file from an unclean shutdown.
		_ = os.Remove(path)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPIDFile parses the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file on shutdown.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// Stop signals SIGTERM to the process recorded in the PID file.
func Stop(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return fmt.Errorf("cannot read PID file: %w", err)
	}
	if !processAlive(pid) {
		_ = os.Remove(path)
		return fmt.Errorf("process %d is not running (removed stale PID file)", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", pid, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
