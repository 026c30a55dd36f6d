//go:build linux
// +build linux

// File: transport/sockopt_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ApplySocketOptions sets TCP_NODELAY and the socket buffer sizes on conn.
// Connections without a raw file descriptor are left untouched.
func ApplySocketOptions(conn net.Conn, opts SocketOptions) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if opts.NoDelay {
			serr = errors.Join(serr, unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1))
		}
		if opts.RecvBuffer > 0 {
			serr = errors.Join(serr, unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer))
		}
		if opts.SendBuffer > 0 {
			serr = errors.Join(serr, unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer))
		}
	})
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return serr
}
