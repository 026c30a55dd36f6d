// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

// Opcode is the 4-bit frame type from byte 0 of the frame header.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// IsData reports whether o starts or continues a data message.
func (o Opcode) IsData() bool {
	return o == OpcodeContinuation || o == OpcodeText || o == OpcodeBinary
}

// IsValid reports whether o is defined by RFC 6455.
func (o Opcode) IsValid() bool {
	switch o {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "unknown"
	}
}

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxCloseReasonLen    = MaxControlPayloadLen - 2
	MaxFrameHeaderLen    = 14 // for extended payloads with masking

	// DefaultMaxPayload bounds a single message unless configured otherwise.
	DefaultMaxPayload = 100 << 20
	// DefaultDrainThreshold is the receiver backlog above which NeedDrain turns true.
	DefaultDrainThreshold = 16 << 10

	// Bit masks
	FinBit     = 0x80
	Rsv1Bit    = 0x40
	Rsv2Bit    = 0x20
	Rsv3Bit    = 0x10
	OpcodeBits = 0x0F
	MaskBit    = 0x80
	LenBits    = 0x7F
)

// Close codes
const (
	CloseNormalClosure      uint16 = 1000
	CloseGoingAway          uint16 = 1001
	CloseProtocolError      uint16 = 1002
	CloseUnsupportedData    uint16 = 1003
	CloseNoStatusRcvd       uint16 = 1005
	CloseAbnormalClosure    uint16 = 1006
	CloseInvalidPayloadData uint16 = 1007
	ClosePolicyViolation    uint16 = 1008
	CloseMessageTooBig      uint16 = 1009
	CloseMissingExtension   uint16 = 1010
	CloseInternalServerErr  uint16 = 1011
	CloseServiceRestart     uint16 = 1012
	CloseTryAgainLater      uint16 = 1013
	CloseBadGateway         uint16 = 1014
	CloseTLSHandshake       uint16 = 1015
)

// IsValidCloseCode reports whether code may appear in a close frame on the wire.
// 1005, 1006 and 1015 are reserved for local reporting only.
func IsValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}
