// File: protocol/frame.go
// Package protocol implements the WebSocket frame header codec and masking.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Header layout (RFC 6455 §5.2):
//
//	byte 0: FIN | RSV1 | RSV2 | RSV3 | opcode(4)
//	byte 1: MASK | payload-len(7)
//	126 => 2-byte big-endian length, 127 => 8-byte big-endian length
//	MASK => 4-byte masking key
//
// Payload lengths are always written in their minimal form.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/wsstream/api"
)

// Frame represents one WebSocket frame.
type Frame struct {
	Fin        bool
	RSV1       bool
	RSV2       bool
	RSV3       bool
	Opcode     Opcode
	Masked     bool
	PayloadLen uint64
	MaskKey    [4]byte
	Payload    []byte // unmasked payload
}

// HeaderLen returns the encoded header size for a payload of n bytes.
func HeaderLen(n uint64, masked bool) int {
	size := 2
	switch {
	case n > 0xFFFF:
		size += 8
	case n > MaxControlPayloadLen:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// AppendHeader appends the encoded header of f to dst.
func AppendHeader(dst []byte, f *Frame) []byte {
	b0 := byte(f.Opcode) & OpcodeBits
	if f.Fin {
		b0 |= FinBit
	}
	if f.RSV1 {
		b0 |= Rsv1Bit
	}
	if f.RSV2 {
		b0 |= Rsv2Bit
	}
	if f.RSV3 {
		b0 |= Rsv3Bit
	}

	var b1 byte
	if f.Masked {
		b1 = MaskBit
	}

	switch n := f.PayloadLen; {
	case n <= MaxControlPayloadLen:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, n)
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}
	return dst
}

// Mask XORs b in place with key, starting at key offset pos, and returns the
// offset to continue from. Masking and unmasking are the same operation.
func Mask(b []byte, key [4]byte, pos int) int {
	pos &= 3
	for i := range b {
		b[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	return pos
}

// EncodeFrame serializes f into a newly allocated buffer, masking a copy of
// the payload when f.Masked is set. The caller's payload is left untouched.
func EncodeFrame(f *Frame) ([]byte, error) {
	if !f.Opcode.IsValid() {
		return nil, fmt.Errorf("%w: opcode 0x%x", api.ErrInvalidFrame, byte(f.Opcode))
	}
	if f.Opcode.IsControl() && (!f.Fin || len(f.Payload) > MaxControlPayloadLen) {
		return nil, fmt.Errorf("%w: bad control frame", api.ErrInvalidFrame)
	}
	f.PayloadLen = uint64(len(f.Payload))
	buf := make([]byte, 0, HeaderLen(f.PayloadLen, f.Masked)+len(f.Payload))
	buf = AppendHeader(buf, f)
	start := len(buf)
	buf = append(buf, f.Payload...)
	if f.Masked {
		Mask(buf[start:], f.MaskKey, 0)
	}
	return buf, nil
}

// DecodeFrame parses one complete frame from raw without applying any
// connection policy. It returns (nil, 0, nil) if raw holds an incomplete frame.
func DecodeFrame(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}
	f := &Frame{
		Fin:    raw[0]&FinBit != 0,
		RSV1:   raw[0]&Rsv1Bit != 0,
		RSV2:   raw[0]&Rsv2Bit != 0,
		RSV3:   raw[0]&Rsv3Bit != 0,
		Opcode: Opcode(raw[0] & OpcodeBits),
		Masked: raw[1]&MaskBit != 0,
	}
	length := uint64(raw[1] & LenBits)
	offset := 2

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		if length>>63 != 0 {
			return nil, 0, api.NewProtocolError(api.ErrCodeInvalidLength, CloseProtocolError,
				"invalid payload length: most significant bit set")
		}
		offset += 8
	}

	if f.Masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(f.MaskKey[:], raw[offset:offset+4])
		offset += 4
	}

	if uint64(len(raw)-offset) < length {
		return nil, 0, nil
	}
	total := offset + int(length)
	f.PayloadLen = length
	f.Payload = append([]byte(nil), raw[offset:total]...)
	if f.Masked {
		Mask(f.Payload, f.MaskKey, 0)
	}
	return f, total, nil
}
