// File: stream/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stream

import (
	"errors"
	"fmt"
)

// ErrWriteAfterEnd is returned by writes issued after End.
var ErrWriteAfterEnd = errors.New("write after end")

// UnhandledError wraps a terminal error that reached an adapter without an
// OnError listener.
type UnhandledError struct {
	ConnID string
	Err    error
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("unhandled stream error on %s: %v", e.ConnID, e.Err)
}

func (e *UnhandledError) Unwrap() error { return e.Err }
