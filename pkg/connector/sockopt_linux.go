//go:build linux

package connector

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFreebind prepares an outbound socket for binding to an address
// that is not configured on any local interface. Requires the kernel to
// honor IP_FREEBIND / IPV6_FREEBIND; routing of the chosen source is the
// operator's responsibility.
func controlFreebind(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
			return
		}
		switch network {
		case "tcp4":
			opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_FREEBIND, 1)
		case "tcp6":
			opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_FREEBIND, 1)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListenControl sets SO_REUSEADDR on listening sockets so restarts do not
// trip over sockets in TIME_WAIT.
func ListenControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
