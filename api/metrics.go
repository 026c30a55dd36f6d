// File: api/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Metrics hook invoked by the stream adapter.

package api

// Metrics receives per-connection traffic notifications.
type Metrics interface {
	MessageReceived(opcode byte, n int)
	MessageSent(opcode byte, n int)
	ProtocolError(code ErrorCode)
	ConnectionClosed(code uint16)
}

// NoopMetrics discards everything (default).
type NoopMetrics struct{}

func (NoopMetrics) MessageReceived(byte, int)  {}
func (NoopMetrics) MessageSent(byte, int)      {}
func (NoopMetrics) ProtocolError(ErrorCode)    {}
func (NoopMetrics) ConnectionClosed(uint16)    {}
