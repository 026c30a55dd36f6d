// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the transport boundary.

package fake

import (
	"bytes"
	"sync"

	"github.com/momentics/wsstream/api"
)

// Transport is a fake implementation of api.Transport for testing.
// It records every write and every flow-control call.
type Transport struct {
	mu         sync.Mutex
	writes     [][]byte
	closed     bool
	closes     int
	paused     bool
	pauses     int
	resumes    int
	flow       []string
	wouldBlock bool
	writeError error
	closeError error
	onWrite    func([]byte)
}

var _ api.Transport = (*Transport)(nil)

// NewTransport creates a new fake transport that accepts every write.
func NewTransport() *Transport {
	return &Transport{}
}

// Write implements api.Transport.Write.
func (t *Transport) Write(p []byte) (bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, api.ErrTransportClosed
	}
	if t.writeError != nil {
		err := t.writeError
		t.mu.Unlock()
		return false, err
	}
	buf := append([]byte(nil), p...)
	t.writes = append(t.writes, buf)
	ok := !t.wouldBlock
	hook := t.onWrite
	t.mu.Unlock()

	if hook != nil {
		hook(buf)
	}
	return ok, nil
}

// Pause implements api.Transport.Pause.
func (t *Transport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
	t.pauses++
	t.flow = append(t.flow, "pause")
}

// Resume implements api.Transport.Resume.
func (t *Transport) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	t.resumes++
	t.flow = append(t.flow, "resume")
}

// Close implements api.Transport.Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	if t.closeError != nil {
		return t.closeError
	}
	t.closed = true
	return nil
}

// SetWouldBlock makes subsequent writes report false (buffer full).
func (t *Transport) SetWouldBlock(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wouldBlock = v
}

// SetWriteError configures the transport to fail every Write.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeError = err
}

// SetCloseError configures the transport to return an error on Close.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeError = err
}

// OnWrite installs a hook called with a copy of every accepted write.
func (t *Transport) OnWrite(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

// Writes returns copies of all accepted writes in order.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// Written returns all accepted writes concatenated.
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Join(t.writes, nil)
}

// ClearWrites drops the recorded writes.
func (t *Transport) ClearWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = t.writes[:0]
}

// Paused reports whether the last flow-control call was Pause.
func (t *Transport) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Pauses returns the number of Pause calls.
func (t *Transport) Pauses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauses
}

// Resumes returns the number of Resume calls.
func (t *Transport) Resumes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumes
}

// Flow returns the Pause and Resume calls in order.
func (t *Transport) Flow() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.flow...)
}

// Closed reports whether Close succeeded.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Closes returns the number of Close calls.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}
