package protocol_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/protocol"
)

type recorder struct {
	events []protocol.Event
}

func (r *recorder) emit(ev protocol.Event) {
	if ev.Payload != nil {
		ev.Payload = append([]byte(nil), ev.Payload...)
	}
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []protocol.EventKind {
	out := make([]protocol.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newReceiver(role api.Role, rec *recorder, mutate ...func(*protocol.ReceiverConfig)) *protocol.Receiver {
	cfg := protocol.ReceiverConfig{Role: role, Emit: rec.emit}
	for _, m := range mutate {
		m(&cfg)
	}
	return protocol.NewReceiver(cfg)
}

var testKey = [4]byte{0x01, 0x02, 0x03, 0x04}

// wire encodes one frame; masked frames use testKey.
func wire(t *testing.T, op protocol.Opcode, fin, masked bool, payload []byte) []byte {
	t.Helper()
	f := &protocol.Frame{Fin: fin, Opcode: op, Masked: masked, MaskKey: testKey, Payload: payload}
	b, err := protocol.EncodeFrame(f)
	require.NoError(t, err)
	return b
}

func protoErr(t *testing.T, ev protocol.Event) *api.ProtocolError {
	t.Helper()
	require.Equal(t, protocol.EventError, ev.Kind)
	pe, ok := api.IsProtocolError(ev.Err)
	require.True(t, ok, "expected *api.ProtocolError, got %T", ev.Err)
	return pe
}

func TestReceiverBinaryThenEmptyClose(t *testing.T) {
	rec := &recorder{}
	r := newReceiver(api.RoleClient, rec)

	r.Feed([]byte{0x82, 0x02, 'h', 'i', 0x88, 0x00})

	require.Len(t, rec.events, 2)
	assert.Equal(t, protocol.EventMessage, rec.events[0].Kind)
	assert.Equal(t, protocol.OpcodeBinary, rec.events[0].Opcode)
	assert.Equal(t, []byte("hi"), rec.events[0].Payload)
	assert.Equal(t, protocol.EventConclude, rec.events[1].Kind)
	assert.Equal(t, uint16(1005), rec.events[1].Code)
	assert.Equal(t, "", rec.events[1].Reason)
	assert.True(t, r.Done())
}

func TestReceiverInvalidOpcode(t *testing.T) {
	rec := &recorder{}
	r := newReceiver(api.RoleClient, rec)

	r.Feed([]byte{0x85, 0x00})

	require.Len(t, rec.events, 1)
	pe := protoErr(t, rec.events[0])
	assert.Equal(t, api.ErrCodeInvalidOpcode, pe.Code)
	assert.Equal(t, protocol.CloseProtocolError, pe.CloseCode)
	assert.Equal(t, "invalid opcode 5", pe.Message)

	r.Feed([]byte{0x82, 0x01, 'x'})
	assert.Len(t, rec.events, 1, "receiver must halt after an error")
}

func TestReceiverChunkingIndependence(t *testing.T) {
	var stream []byte
	stream = append(stream, wire(t, protocol.OpcodeText, false, true, []byte("héllo "))...)
	stream = append(stream, wire(t, protocol.OpcodePing, true, true, []byte("p1"))...)
	stream = append(stream, wire(t, protocol.OpcodeContinuation, true, true, []byte("wörld"))...)
	stream = append(stream, wire(t, protocol.OpcodeBinary, true, true, bytes.Repeat([]byte{0xAB}, 300))...)
	stream = append(stream, wire(t, protocol.OpcodePong, true, true, nil)...)
	stream = append(stream, wire(t, protocol.OpcodeBinary, true, true, bytes.Repeat([]byte{0x5A}, 70000))...)
	closeBody, err := protocol.EncodeClosePayload(1000, "done")
	require.NoError(t, err)
	stream = append(stream, wire(t, protocol.OpcodeClose, true, true, closeBody)...)

	feedAll := func(chunks [][]byte) []protocol.Event {
		rec := &recorder{}
		r := newReceiver(api.RoleServer, rec)
		for _, c := range chunks {
			r.Feed(append([]byte(nil), c...))
		}
		return rec.events
	}

	whole := feedAll([][]byte{stream})
	require.Len(t, whole, 6)
	assert.Equal(t, []byte("héllo wörld"), whole[1].Payload)
	assert.Equal(t, protocol.EventPing, whole[0].Kind)
	assert.Equal(t, uint16(1000), whole[5].Code)
	assert.Equal(t, "done", whole[5].Reason)

	var bytewise [][]byte
	for i := range stream {
		bytewise = append(bytewise, stream[i:i+1])
	}
	assert.Equal(t, whole, feedAll(bytewise))

	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		var chunks [][]byte
		for off := 0; off < len(stream); {
			n := 1 + rnd.Intn(4096)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			chunks = append(chunks, stream[off:off+n])
			off += n
		}
		assert.Equal(t, whole, feedAll(chunks), "round %d", round)
	}
}

func TestReceiverControlFrameRules(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		code api.ErrorCode
	}{
		{"ping without fin", []byte{0x09, 0x00}, api.ErrCodeControlFragmented},
		{"close without fin", []byte{0x08, 0x00}, api.ErrCodeControlFragmented},
		{"ping with 126 length", append([]byte{0x89, 0x7E, 0x00, 0x7E}, make([]byte, 126)...), api.ErrCodeControlTooLong},
		{"close with one byte", []byte{0x88, 0x01, 0x03}, api.ErrCodeInvalidClosePayload},
		{"pong with rsv1", []byte{0xCA, 0x00}, api.ErrCodeReservedBits},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			r := newReceiver(api.RoleClient, rec)
			// a fragment in progress must never surface as a message
			r.Feed([]byte{0x01, 0x02, 'a', 'b'})
			r.Feed(tc.data)
			require.Len(t, rec.events, 1)
			assert.Equal(t, tc.code, protoErr(t, rec.events[0]).Code)
		})
	}
}

func TestReceiverFragmentSequencing(t *testing.T) {
	t.Run("continuation without start", func(t *testing.T) {
		rec := &recorder{}
		newReceiver(api.RoleClient, rec).Feed([]byte{0x80, 0x00})
		require.Len(t, rec.events, 1)
		assert.Equal(t, api.ErrCodeUnexpectedContinuation, protoErr(t, rec.events[0]).Code)
	})
	t.Run("new message while fragmented", func(t *testing.T) {
		rec := &recorder{}
		r := newReceiver(api.RoleClient, rec)
		r.Feed([]byte{0x01, 0x01, 'a'})
		r.Feed([]byte{0x82, 0x01, 'b'})
		require.Len(t, rec.events, 1)
		assert.Equal(t, api.ErrCodeExpectedContinuation, protoErr(t, rec.events[0]).Code)
	})
	t.Run("control frame between fragments", func(t *testing.T) {
		rec := &recorder{}
		r := newReceiver(api.RoleClient, rec)
		r.Feed([]byte{0x02, 0x01, 'a', 0x89, 0x01, 'p', 0x80, 0x01, 'b'})
		assert.Equal(t, []protocol.EventKind{protocol.EventPing, protocol.EventMessage}, rec.kinds())
		assert.Equal(t, protocol.OpcodeBinary, rec.events[1].Opcode)
		assert.Equal(t, []byte("ab"), rec.events[1].Payload)
	})
}

func TestReceiverReservedBitsAndMasking(t *testing.T) {
	cases := []struct {
		name string
		role api.Role
		data []byte
		code api.ErrorCode
	}{
		{"rsv1 without extension", api.RoleClient, []byte{0xC1, 0x00}, api.ErrCodeReservedBits},
		{"rsv2", api.RoleClient, []byte{0xA1, 0x00}, api.ErrCodeReservedBits},
		{"rsv3", api.RoleClient, []byte{0x91, 0x00}, api.ErrCodeReservedBits},
		{"server rejects unmasked", api.RoleServer, []byte{0x81, 0x00}, api.ErrCodeMaskRequired},
		{"client rejects masked", api.RoleClient, []byte{0x81, 0x80, 1, 2, 3, 4}, api.ErrCodeMaskForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			newReceiver(tc.role, rec).Feed(tc.data)
			require.Len(t, rec.events, 1)
			pe := protoErr(t, rec.events[0])
			assert.Equal(t, tc.code, pe.Code)
			assert.Equal(t, protocol.CloseProtocolError, pe.CloseCode)
		})
	}
}

func TestReceiverMaxPayload(t *testing.T) {
	limit := func(c *protocol.ReceiverConfig) { c.MaxPayload = 10 }

	t.Run("single frame", func(t *testing.T) {
		rec := &recorder{}
		// declared length alone is enough to reject
		newReceiver(api.RoleClient, rec, limit).Feed([]byte{0x82, 0x0B})
		require.Len(t, rec.events, 1)
		pe := protoErr(t, rec.events[0])
		assert.Equal(t, api.ErrCodeMessageTooBig, pe.Code)
		assert.Equal(t, protocol.CloseMessageTooBig, pe.CloseCode)
	})
	t.Run("cumulative fragments", func(t *testing.T) {
		rec := &recorder{}
		r := newReceiver(api.RoleClient, rec, limit)
		r.Feed(append([]byte{0x02, 0x06}, make([]byte, 6)...))
		r.Feed(append([]byte{0x80, 0x06}, make([]byte, 6)...))
		require.Len(t, rec.events, 1)
		assert.Equal(t, api.ErrCodeMessageTooBig, protoErr(t, rec.events[0]).Code)
	})
	t.Run("control frames are not counted", func(t *testing.T) {
		rec := &recorder{}
		r := newReceiver(api.RoleClient, rec, limit)
		r.Feed(append([]byte{0x89, 0x14}, make([]byte, 20)...))
		require.Len(t, rec.events, 1)
		assert.Equal(t, protocol.EventPing, rec.events[0].Kind)
	})
}

func TestReceiverUTF8(t *testing.T) {
	t.Run("invalid text", func(t *testing.T) {
		rec := &recorder{}
		newReceiver(api.RoleClient, rec).Feed([]byte{0x81, 0x02, 0xC3, 0x28})
		require.Len(t, rec.events, 1)
		pe := protoErr(t, rec.events[0])
		assert.Equal(t, api.ErrCodeInvalidUTF8, pe.Code)
		assert.Equal(t, protocol.CloseInvalidPayloadData, pe.CloseCode)
	})
	t.Run("rune split across fragments", func(t *testing.T) {
		rec := &recorder{}
		r := newReceiver(api.RoleClient, rec)
		r.Feed([]byte{0x01, 0x01, 0xC3})
		r.Feed([]byte{0x80, 0x01, 0xA9})
		require.Len(t, rec.events, 1)
		assert.Equal(t, "é", string(rec.events[0].Payload))
	})
	t.Run("binary is not validated", func(t *testing.T) {
		rec := &recorder{}
		newReceiver(api.RoleClient, rec).Feed([]byte{0x82, 0x02, 0xC3, 0x28})
		require.Len(t, rec.events, 1)
		assert.Equal(t, protocol.EventMessage, rec.events[0].Kind)
	})
	t.Run("validation disabled", func(t *testing.T) {
		rec := &recorder{}
		skip := func(c *protocol.ReceiverConfig) { c.SkipUTF8Validation = true }
		newReceiver(api.RoleClient, rec, skip).Feed([]byte{0x81, 0x02, 0xC3, 0x28})
		require.Len(t, rec.events, 1)
		assert.Equal(t, protocol.EventMessage, rec.events[0].Kind)
	})
	t.Run("invalid close reason", func(t *testing.T) {
		rec := &recorder{}
		newReceiver(api.RoleClient, rec).Feed([]byte{0x88, 0x04, 0x03, 0xE8, 0xC3, 0x28})
		require.Len(t, rec.events, 1)
		assert.Equal(t, api.ErrCodeInvalidUTF8, protoErr(t, rec.events[0]).Code)
	})
}

func TestReceiverExtendedLengths(t *testing.T) {
	for _, n := range []int{125, 126, 65535, 65536} {
		rec := &recorder{}
		payload := bytes.Repeat([]byte{'z'}, n)
		newReceiver(api.RoleServer, rec).Feed(wire(t, protocol.OpcodeBinary, true, true, payload))
		require.Len(t, rec.events, 1, "length %d", n)
		assert.Equal(t, payload, rec.events[0].Payload, "length %d", n)
	}

	rec := &recorder{}
	newReceiver(api.RoleClient, rec).Feed([]byte{0x82, 0x7F, 0x80, 0, 0, 0, 0, 0, 0, 0})
	require.Len(t, rec.events, 1)
	assert.Equal(t, api.ErrCodeInvalidLength, protoErr(t, rec.events[0]).Code)
}

func TestReceiverCloseCodes(t *testing.T) {
	rec := &recorder{}
	newReceiver(api.RoleClient, rec).Feed([]byte{0x88, 0x02, 0x03, 0xED}) // 1005 on the wire
	require.Len(t, rec.events, 1)
	assert.Equal(t, api.ErrCodeInvalidCloseCode, protoErr(t, rec.events[0]).Code)

	rec = &recorder{}
	r := newReceiver(api.RoleClient, rec)
	r.Feed([]byte{0x88, 0x02, 0x0F, 0xA0, 0x82, 0x01, 'x'}) // 4000, then trailing data
	require.Len(t, rec.events, 1)
	assert.Equal(t, uint16(4000), rec.events[0].Code)
	r.Feed([]byte{0x82, 0x01, 'y'})
	assert.Len(t, rec.events, 1, "nothing is parsed after conclude")
}

func TestReceiverHoldAndDrain(t *testing.T) {
	rec := &recorder{}
	drains := 0
	r := newReceiver(api.RoleClient, rec, func(c *protocol.ReceiverConfig) {
		c.OnDrain = func() { drains++ }
	})

	r.Hold()
	frame := append([]byte{0x82, 0x7E, 0x10, 0x00}, bytes.Repeat([]byte{1}, 4096)...)
	for i := 0; i < 5; i++ {
		r.Feed(append([]byte(nil), frame...))
	}
	assert.Empty(t, rec.events)
	assert.True(t, r.NeedDrain())
	assert.Equal(t, 5*len(frame), r.Buffered())

	r.Release()
	assert.Len(t, rec.events, 5)
	assert.False(t, r.NeedDrain())
	assert.Equal(t, 1, drains)
	assert.Equal(t, uint64(5), r.FramesRead())
}

func TestReceiverHoldFromEmit(t *testing.T) {
	var r *protocol.Receiver
	var got [][]byte
	r = protocol.NewReceiver(protocol.ReceiverConfig{
		Role: api.RoleClient,
		Emit: func(ev protocol.Event) {
			got = append(got, ev.Payload)
			r.Hold()
		},
	})
	r.Feed([]byte{0x82, 0x01, 'a', 0x82, 0x01, 'b', 0x82, 0x01, 'c'})
	require.Len(t, got, 1)
	r.Release()
	require.Len(t, got, 2)
	r.Release()
	r.Release()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)
}

type reverseExtension struct {
	fail error
}

func (reverseExtension) Name() string { return "x-reverse" }

func (e reverseExtension) Compress(p []byte, _ bool) ([]byte, error) { return reverse(p), nil }

func (e reverseExtension) Decompress(p []byte, limit int64) ([]byte, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	if limit > 0 && int64(len(p)) > limit {
		return nil, api.ErrMessageTooBig
	}
	return reverse(p), nil
}

func (reverseExtension) Close() error { return nil }

func reverse(p []byte) []byte {
	out := make([]byte, len(p))
	for i := range p {
		out[len(p)-1-i] = p[i]
	}
	return out
}

func TestReceiverExtension(t *testing.T) {
	withExt := func(ext api.Extension) func(*protocol.ReceiverConfig) {
		return func(c *protocol.ReceiverConfig) { c.Extension = ext }
	}

	rec := &recorder{}
	r := newReceiver(api.RoleClient, rec, withExt(reverseExtension{}))
	r.Feed([]byte{0x41, 0x02, 'c', 'b', 0x80, 0x01, 'a', 0x81, 0x02, 'o', 'k'})
	require.Len(t, rec.events, 2)
	assert.Equal(t, "abc", string(rec.events[0].Payload))
	assert.Equal(t, "ok", string(rec.events[1].Payload), "frames without RSV1 bypass the transform")

	cause := errors.New("corrupt stream")
	rec = &recorder{}
	newReceiver(api.RoleClient, rec, withExt(reverseExtension{fail: cause})).Feed([]byte{0xC2, 0x01, 'x'})
	require.Len(t, rec.events, 1)
	pe := protoErr(t, rec.events[0])
	assert.Equal(t, api.ErrCodeExtension, pe.Code)
	assert.Equal(t, protocol.CloseInvalidPayloadData, pe.CloseCode)
	assert.ErrorIs(t, pe, cause)

	rec = &recorder{}
	r = newReceiver(api.RoleClient, rec, withExt(reverseExtension{}))
	r.Feed([]byte{0x41, 0x01, 'a', 0xC0, 0x01, 'b'})
	require.Len(t, rec.events, 1)
	assert.Equal(t, api.ErrCodeReservedBits, protoErr(t, rec.events[0]).Code, "RSV1 on a continuation frame")
}
