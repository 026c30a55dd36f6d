// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the core WebSocket wire protocol logic (RFC 6455) for wsstream.
//
// Includes:
//   - Frame header encoding/decoding in minimal length form
//   - Streaming XOR masking that continues across chunk boundaries
//   - Receiver: incremental parser, reassembler and validator emitting
//     message/ping/pong/conclude/error events in arrival order
//   - Sender: frame builder with role-driven masking, extension transform
//     and fragmentation
//   - Close payload codec and status code validation
//
// Receiver and Sender hold per-connection state and are driven from a single
// goroutine; independent connections share nothing.
package protocol
