// File: transport/sockopt.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// SocketOptions are applied to TCP connections before serving them.
// Zero values leave the kernel defaults in place.
type SocketOptions struct {
	NoDelay    bool
	RecvBuffer int
	SendBuffer int
}
