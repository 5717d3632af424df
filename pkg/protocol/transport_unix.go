//go:build !windows

package protocol

import (
	"fmt"
	"net"
	"os"
	"time"
)

// DefaultEndpoint returns the user-scoped socket path. Deriving the path from
// the uid keeps co-located users from colliding on a shared /tmp.
func DefaultEndpoint() string {
	return fmt.Sprintf("/tmp/rlm-sandbox-daemon-%d.sock", os.Getuid())
}

// Listen binds a unix domain socket at path.
func Listen(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// Dial connects to the daemon socket at path within timeout.
func Dial(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}

// RemoveEndpoint removes a stale socket file. Missing files are not an error.
func RemoveEndpoint(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
