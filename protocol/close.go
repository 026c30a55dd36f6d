// File: protocol/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close frame payload codec: 2-byte big-endian status followed by a UTF-8 reason.

package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/momentics/wsstream/api"
)

// EncodeClosePayload builds the body of a close frame. A zero code produces an
// empty body, which the peer reports as 1005. The reason is cut to the last
// whole rune that fits into the control frame.
func EncodeClosePayload(code uint16, reason string) ([]byte, error) {
	if code == 0 {
		if reason != "" {
			return nil, fmt.Errorf("%w: reason without status code", api.ErrInvalidCloseCode)
		}
		return nil, nil
	}
	if !IsValidCloseCode(code) {
		return nil, fmt.Errorf("%w: %d", api.ErrInvalidCloseCode, code)
	}
	reason = truncateUTF8(reason, MaxCloseReasonLen)
	buf := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(buf, code)
	return append(buf, reason...), nil
}

// DecodeClosePayload validates and splits a received close frame body.
func DecodeClosePayload(p []byte, validateUTF8 bool) (uint16, string, error) {
	switch len(p) {
	case 0:
		return CloseNoStatusRcvd, "", nil
	case 1:
		return 0, "", api.NewProtocolError(api.ErrCodeInvalidClosePayload, CloseProtocolError,
			"invalid payload length 1")
	}
	code := binary.BigEndian.Uint16(p)
	if !IsValidCloseCode(code) {
		return 0, "", api.NewProtocolError(api.ErrCodeInvalidCloseCode, CloseProtocolError,
			"invalid status code %d", code)
	}
	reason := p[2:]
	if validateUTF8 && !utf8.Valid(reason) {
		return 0, "", api.NewProtocolError(api.ErrCodeInvalidUTF8, CloseInvalidPayloadData,
			"invalid UTF-8 sequence")
	}
	return code, string(reason), nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
