//go:build !windows

package daemon

import "syscall"

// detachedSysProcAttr puts the child in its own session so it survives the
// parent's terminal closing.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
