//go:build windows

package protocol

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
)

// DefaultEndpoint returns the user-scoped named pipe. Deriving the name from
// the username keeps co-located users from colliding.
func DefaultEndpoint() string {
	user := os.Getenv("USERNAME")
	if user == "" {
		user = "default"
	}
	// Pipe names cannot contain backslashes past the prefix.
	user = strings.ReplaceAll(user, `\`, "-")
	return `\\.\pipe\rlm-sandbox-daemon-` + user
}

// Listen binds a named pipe at path.
func Listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

// Dial connects to the daemon pipe at path within timeout.
func Dial(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}

// RemoveEndpoint is a no-op: named pipes vanish with their server.
func RemoveEndpoint(path string) error {
	return nil
}
