//go:build !windows

package proc

import (
	"errors"
	"syscall"
)

// probe sends signal 0, which performs the permission and existence checks
// without delivering anything. EPERM means the process exists but belongs to
// another user.
func probe(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
