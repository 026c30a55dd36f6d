// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the byte transport boundary the stream adapter drives.
// Inbound bytes are pushed by the transport owner into the adapter
// (OnData/OnEnd/OnError); the adapter pushes outbound bytes here.

package api

// Transport is a full-duplex byte channel owned by exactly one stream adapter.
type Transport interface {
	// Write hands p to the transport. The transport takes ownership of p.
	// ok == false means the transport buffered the data but wants the caller
	// to stop writing until it signals drain.
	Write(p []byte) (ok bool, err error)

	// Pause stops delivery of inbound bytes until Resume is called.
	Pause()

	// Resume restarts delivery of inbound bytes.
	Resume()

	// Close releases the underlying connection. Must be idempotent.
	Close() error
}

// Sink is the write-only half of Transport used by the frame builder.
type Sink interface {
	Write(p []byte) (ok bool, err error)
}
