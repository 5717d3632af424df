// Package proc provides PID file handling and process liveness checks used to
// start, detect, and stop the daemon.
package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoPID is returned when no usable PID is recorded. A missing or
// non-numeric PID file means "daemon not known", not a failure.
var ErrNoPID = errors.New("no pid")

// WritePID records the current process id at path.
func WritePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPID loads the recorded process id. Missing or malformed files yield
// ErrNoPID.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPID
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrNoPID
	}
	return pid, nil
}

// RemovePID deletes the PID file. Missing files are not an error.
func RemovePID(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists. The check never
// delivers a signal. A stale PID file is detected here, not by file existence.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return probe(pid)
}
