// Package transport
// Author: momentics <momentics@gmail.com>
//
// Runs a stream.Adapter over a net.Conn. NetConn implements api.Transport
// with a reader goroutine feeding the connection loop and a writer goroutine
// flushing queued frames; Conn wraps both behind a blocking message API.
package transport
