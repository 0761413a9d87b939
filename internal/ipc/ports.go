package ipc

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

const (
	loopbackHost = "localhost"
	maxPort      = 65535
)

// bindLoopback resolves the local port and binds it. A zero port asks the
// OS for an unused ephemeral port; the returned listener already owns it,
// so there is no window between probing and binding.
func bindLoopback(port int) (net.Listener, int, error) {
	if port < 0 || port > maxPort {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		if port == 0 {
			return nil, 0, fmt.Errorf("ipc: bind ephemeral port: %w", err)
		}
		return nil, 0, fmt.Errorf("%w: %d: %w", ErrPortInUse, port, err)
	}
	return l, l.Addr().(*net.TCPAddr).Port, nil
}

// partnerFor returns the partner port for a resolved local port. Zero means
// "the port right after mine".
func partnerFor(port, requested int) (int, error) {
	if requested == 0 {
		requested = port + 1
	}
	if requested < 1 || requested > maxPort {
		return 0, fmt.Errorf("%w: partner %d", ErrInvalidPort, requested)
	}
	return requested, nil
}

func loopbackURL(port int) *url.URL {
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(loopbackHost, strconv.Itoa(port)), Path: "/"}
}
