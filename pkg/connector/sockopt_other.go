//go:build !linux

package connector

import "syscall"

// Non-Linux platforms have no FREEBIND equivalent. The source address must
// already be configured on an interface; otherwise bind fails and the
// fallback source takes over.
func controlFreebind(network, address string, c syscall.RawConn) error {
	return nil
}

// ListenControl is a no-op outside Linux.
func ListenControl(network, address string, c syscall.RawConn) error {
	return nil
}
