//go:build !linux

package peercred

import "net"

func unixPeer(*net.UnixConn) (Caller, error) {
	return Caller{}, ErrUnsupported
}

// StartTime is only implemented on Linux.
func StartTime(int) (uint64, error) {
	return 0, ErrUnsupported
}
