package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrTimeout means the device did not answer within the request timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrNetworkUnreachable means the host has no route to the device.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrAuthenticationRequired is set on replies with status 401 and a
	// WWW-Authenticate challenge.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrClosed is returned for operations on a closed client or connection.
	ErrClosed = errors.New("transport closed")
)

// classify maps low level dial/read errors onto the transport error kinds.
// Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return ErrNetworkUnreachable
	}
	return err
}

// HasActiveInterface reports whether any non-loopback interface is up and has
// an address. The session uses it to decide when to resume polling after the
// network went away.
func HasActiveInterface() bool {
	ifs, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifs {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if n, ok := addr.(*net.IPNet); ok && !n.IP.IsLoopback() {
				return true
			}
		}
	}
	return false
}
