// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for the framing engine.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrCloseSent        = errors.New("close frame already sent")
	ErrMessageTooBig    = errors.New("message exceeds maximum allowed size")
	ErrInvalidCloseCode = errors.New("invalid close code")
)

// ErrorCode identifies the specific protocol violation.
type ErrorCode int

const (
	ErrCodeInvalidOpcode ErrorCode = iota + 1
	ErrCodeControlFragmented
	ErrCodeControlTooLong
	ErrCodeUnexpectedContinuation
	ErrCodeExpectedContinuation
	ErrCodeReservedBits
	ErrCodeMessageTooBig
	ErrCodeMaskRequired
	ErrCodeMaskForbidden
	ErrCodeInvalidUTF8
	ErrCodeInvalidLength
	ErrCodeInvalidCloseCode
	ErrCodeInvalidClosePayload
	ErrCodeExtension
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeInvalidOpcode:          "WS_ERR_INVALID_OPCODE",
	ErrCodeControlFragmented:      "WS_ERR_EXPECTED_FIN",
	ErrCodeControlTooLong:         "WS_ERR_INVALID_CONTROL_PAYLOAD_LENGTH",
	ErrCodeUnexpectedContinuation: "WS_ERR_UNEXPECTED_CONTINUATION",
	ErrCodeExpectedContinuation:   "WS_ERR_EXPECTED_CONTINUATION",
	ErrCodeReservedBits:           "WS_ERR_UNEXPECTED_RSV",
	ErrCodeMessageTooBig:          "WS_ERR_UNSUPPORTED_MESSAGE_LENGTH",
	ErrCodeMaskRequired:           "WS_ERR_EXPECTED_MASK",
	ErrCodeMaskForbidden:          "WS_ERR_UNEXPECTED_MASK",
	ErrCodeInvalidUTF8:            "WS_ERR_INVALID_UTF8",
	ErrCodeInvalidLength:          "WS_ERR_UNSUPPORTED_DATA_PAYLOAD_LENGTH",
	ErrCodeInvalidCloseCode:       "WS_ERR_INVALID_CLOSE_CODE",
	ErrCodeInvalidClosePayload:    "WS_ERR_INVALID_CONTROL_PAYLOAD_LENGTH",
	ErrCodeExtension:              "WS_ERR_EXTENSION",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ProtocolError is the only error kind the Receiver reports for a misbehaving peer.
// It is always fatal to the connection. CloseCode is the status sent to the peer.
type ProtocolError struct {
	Code      ErrorCode
	CloseCode uint16
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause, e.g. an extension failure.
func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches another *ProtocolError by Code so callers can test against templates.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

// NewProtocolError creates a protocol violation with the given close status.
func NewProtocolError(code ErrorCode, closeCode uint16, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Code:      code,
		CloseCode: closeCode,
		Message:   fmt.Sprintf(format, args...),
	}
}

// IsProtocolError unwraps err to a *ProtocolError if it is one.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NotOpenError is returned by write operations attempted outside CONNECTING/OPEN.
type NotOpenError struct {
	State ReadyState
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("WebSocket is not open: readyState %d (%s)", int(e.State), e.State)
}
