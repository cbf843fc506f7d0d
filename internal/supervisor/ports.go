package supervisor

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoPortAvailable is returned when every candidate port is occupied.
var ErrNoPortAvailable = errors.New("no available port")

// FindAvailablePort returns the first port in [base, base+maxAttempts) that
// accepts a bound TCP listener. Each probe listener is closed before the
// function returns, so a race with the eventual user exists; acceptable
// because only one start runs at a time per project.
func FindAvailablePort(base, maxAttempts int) (int, error) {
	for port := base; port < base+maxAttempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w in [%d,%d)", ErrNoPortAvailable, base, base+maxAttempts)
}

// portBound reports whether something currently accepts connections on port.
func portBound(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
