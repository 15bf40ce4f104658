// Package device manages live CLI sessions to network devices. A Manager
// keeps at most one session per (address, username) identity, runs ordered
// command lists over it, and evicts sessions that fail or hang.
package device

import (
	"context"
	"net"
)

// Target is a device address plus the credentials used to reach it.
type Target struct {
	Address  string `json:"device_ip" yaml:"address"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Identity returns the session-cache key for this target.
func (t Target) Identity() Identity {
	return Identity{Address: t.Address, Username: t.Username}
}

// Identity is the (device address, username) key a session is cached under.
type Identity struct {
	Address  string
	Username string
}

func (id Identity) String() string {
	return id.Address + ":" + id.Username
}

// Transport opens raw sessions to devices.
type Transport interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Conn is one live device session. Run is not required to be safe for
// concurrent use; the Manager never calls it concurrently on one Conn.
type Conn interface {
	Run(ctx context.Context, command string) (string, error)
	Alive() bool
	Close() error
}

// hostPort appends defaultPort to address unless it already carries a port.
func hostPort(address string, defaultPort string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, defaultPort)
}
