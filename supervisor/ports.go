package supervisor

import (
	"fmt"
	"net"
)

// PickPort scans [start, end] in ascending order and returns the first port
// that accepts a bind. The probe listener is released before the caller
// binds the port for the real worker process, so a concurrent allocation can
// briefly race for the same port; the losing launch fails fast and can be
// retried, so the window is accepted rather than held open.
func PickPort(start, end int) (int, error) {
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrNoFreePort, start, end)
}
