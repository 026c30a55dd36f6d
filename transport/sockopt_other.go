//go:build !linux
// +build !linux

// File: transport/sockopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "net"

// ApplySocketOptions sets TCP_NODELAY through the net package; buffer sizes
// are only tuned on Linux.
func ApplySocketOptions(conn net.Conn, opts SocketOptions) error {
	if tc, ok := conn.(*net.TCPConn); ok && opts.NoDelay {
		return tc.SetNoDelay(true)
	}
	return nil
}
