// File: api/extension.go
// Author: momentics <momentics@gmail.com>
//
// Pluggable per-message payload transform negotiated during the handshake
// and signalled on the wire by RSV1.

package api

// Extension is a stateful per-connection payload codec, e.g. permessage-deflate.
// It is owned by a single connection and released through Close.
type Extension interface {
	// Name returns the negotiated extension token.
	Name() string

	// Compress transforms one outbound fragment. fin marks the last fragment
	// of the message so the codec can flush and reset per-message state.
	Compress(p []byte, fin bool) ([]byte, error)

	// Decompress restores a fully reassembled inbound payload. A result longer
	// than limit (limit > 0) must fail with ErrMessageTooBig.
	Decompress(p []byte, limit int64) ([]byte, error)

	// Close releases codec resources.
	Close() error
}
