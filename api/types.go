// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations: connection lifecycle and endpoint role.

package api

// ReadyState enumerates the lifecycle phase of a WebSocket connection.
// The numeric values are part of the public contract and appear in NotOpenError.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Closed is reachable from every state because destruction may happen at any point.
func (s ReadyState) CanTransition(next ReadyState) bool {
	switch next {
	case StateOpen:
		return s == StateConnecting
	case StateClosing:
		return s == StateConnecting || s == StateOpen
	case StateClosed:
		return s != StateClosed
	default:
		return false
	}
}

// Role identifies which end of the connection this engine serves.
// It decides the masking policy in both directions.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// MasksOutgoing reports whether frames written by this role must be masked.
func (r Role) MasksOutgoing() bool { return r == RoleClient }

// ExpectsMaskedIncoming reports whether frames read by this role must carry a mask.
func (r Role) ExpectsMaskedIncoming() bool { return r == RoleServer }
