package protocol_test

import (
	"bytes"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/protocol"
)

type sinkRecorder struct {
	writes [][]byte
	ok     bool
	err    error
}

func newSink() *sinkRecorder { return &sinkRecorder{ok: true} }

func (s *sinkRecorder) Write(p []byte) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return s.ok, nil
}

func (s *sinkRecorder) joined() []byte { return bytes.Join(s.writes, nil) }

var rfcKey = []byte{0x37, 0xfa, 0x21, 0x3d}

func TestSenderRFCExamples(t *testing.T) {
	t.Run("unmasked server text", func(t *testing.T) {
		sink := newSink()
		s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
		ok, err := s.Send(protocol.OpcodeText, []byte("Hello"), protocol.SendOptions{Fin: true})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, [][]byte{{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}}, sink.writes)
	})
	t.Run("masked client text", func(t *testing.T) {
		sink := newSink()
		s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleClient})
		_, err := s.Send(protocol.OpcodeText, []byte("Hello"), protocol.SendOptions{Fin: true, MaskKey: rfcKey})
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}}, sink.writes)
	})
	t.Run("server ping", func(t *testing.T) {
		sink := newSink()
		s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
		_, err := s.Ping([]byte("Hello"))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x89, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}, sink.joined())
	})
}

func TestSenderMinimalLengthEncoding(t *testing.T) {
	cases := []struct {
		n      int
		header []byte
	}{
		{0, []byte{0x82, 0x00}},
		{125, []byte{0x82, 0x7D}},
		{126, []byte{0x82, 0x7E, 0x00, 0x7E}},
		{65535, []byte{0x82, 0x7E, 0xFF, 0xFF}},
		{65536, []byte{0x82, 0x7F, 0, 0, 0, 0, 0, 0x01, 0x00, 0x00}},
	}
	for _, tc := range cases {
		sink := newSink()
		s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
		_, err := s.Send(protocol.OpcodeBinary, make([]byte, tc.n), protocol.SendOptions{Fin: true})
		require.NoError(t, err)
		require.Len(t, sink.writes, 1)
		got := sink.writes[0]
		assert.Equal(t, tc.header, got[:len(tc.header)], "length %d", tc.n)
		assert.Len(t, got, len(tc.header)+tc.n)
		assert.Equal(t, len(tc.header), protocol.HeaderLen(uint64(tc.n), false))
	}
}

func TestSenderMaskPolicy(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
	_, err := s.Send(protocol.OpcodeBinary, []byte("x"), protocol.SendOptions{Fin: true, Mask: true})
	require.NoError(t, err)
	assert.Zero(t, sink.writes[0][1]&protocol.MaskBit, "role decides without override")

	sink = newSink()
	s = protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer, AllowMaskOverride: true})
	_, err = s.Send(protocol.OpcodeBinary, []byte("x"), protocol.SendOptions{Fin: true, Mask: true, MaskKey: rfcKey})
	require.NoError(t, err)
	assert.NotZero(t, sink.writes[0][1]&protocol.MaskBit)

	sink = newSink()
	s = protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleClient, Rand: bytes.NewReader([]byte{9, 9, 9, 9})})
	_, err = s.Send(protocol.OpcodeBinary, []byte{9}, protocol.SendOptions{Fin: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x81, 9, 9, 9, 9, 0}, sink.writes[0])

	_, err = s.Send(protocol.OpcodeBinary, []byte{1}, protocol.SendOptions{Fin: true, MaskKey: []byte{1, 2}})
	assert.ErrorIs(t, err, api.ErrInvalidFrame)
}

func TestSenderRejectsWithoutWriting(t *testing.T) {
	cases := []struct {
		name string
		send func(*protocol.Sender) (bool, error)
	}{
		{"reserved opcode", func(s *protocol.Sender) (bool, error) {
			return s.Send(protocol.Opcode(0x3), []byte("x"), protocol.SendOptions{Fin: true})
		}},
		{"reserved control opcode", func(s *protocol.Sender) (bool, error) {
			return s.Send(protocol.Opcode(0xB), nil, protocol.SendOptions{Fin: true})
		}},
		{"continuation opcode", func(s *protocol.Sender) (bool, error) {
			return s.Send(protocol.OpcodeContinuation, []byte("x"), protocol.SendOptions{Fin: true})
		}},
		{"oversized ping", func(s *protocol.Sender) (bool, error) {
			return s.Ping(make([]byte, 126))
		}},
		{"oversized pong", func(s *protocol.Sender) (bool, error) {
			return s.Pong(make([]byte, 200))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := newSink()
			s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleClient})
			_, err := tc.send(s)
			assert.ErrorIs(t, err, api.ErrInvalidFrame)
			assert.Empty(t, sink.writes)
			assert.Zero(t, s.FramesSent())
		})
	}
}

func TestSenderFragmentation(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer, FragmentSize: 4})
	_, err := s.Send(protocol.OpcodeText, []byte("abcdefghij"), protocol.SendOptions{Fin: true})
	require.NoError(t, err)

	assert.Equal(t, [][]byte{
		{0x01, 0x04, 'a', 'b', 'c', 'd'},
		{0x00, 0x04, 'e', 'f', 'g', 'h'},
		{0x80, 0x02, 'i', 'j'},
	}, sink.writes)
	assert.Equal(t, uint64(3), s.FramesSent())
	assert.Equal(t, uint64(16), s.BytesSent())
}

func TestSenderStreamedMessage(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
	for _, part := range []struct {
		data string
		fin  bool
	}{{"ab", false}, {"cd", false}, {"e", true}, {"f", true}} {
		_, err := s.Send(protocol.OpcodeBinary, []byte(part.data), protocol.SendOptions{Fin: part.fin})
		require.NoError(t, err)
	}
	assert.Equal(t, [][]byte{
		{0x02, 0x02, 'a', 'b'},
		{0x00, 0x02, 'c', 'd'},
		{0x80, 0x01, 'e'},
		{0x82, 0x01, 'f'},
	}, sink.writes)
}

func TestSenderClose(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})

	_, err := s.Close(1005, "")
	assert.ErrorIs(t, err, api.ErrInvalidCloseCode)
	assert.False(t, s.CloseSent())

	reason := string(bytes.Repeat([]byte("é"), 100)) // 200 bytes
	_, err = s.Close(protocol.CloseGoingAway, reason)
	require.NoError(t, err)
	require.Len(t, sink.writes, 1)
	frame := sink.writes[0]
	assert.Equal(t, byte(0x88), frame[0])
	assert.LessOrEqual(t, int(frame[1]), protocol.MaxControlPayloadLen)
	assert.Equal(t, []byte{0x03, 0xE9}, frame[2:4])
	assert.True(t, utf8.Valid(frame[4:]))
	assert.True(t, s.CloseSent())

	_, err = s.Send(protocol.OpcodeText, []byte("late"), protocol.SendOptions{Fin: true})
	assert.ErrorIs(t, err, api.ErrCloseSent)
	_, err = s.Close(1000, "")
	assert.ErrorIs(t, err, api.ErrCloseSent)
	assert.Len(t, sink.writes, 1)
}

func TestSenderEmptyClose(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
	_, err := s.Close(0, "")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x88, 0x00}}, sink.writes)
}

func TestSenderSinkSignals(t *testing.T) {
	sink := newSink()
	sink.ok = false
	s := protocol.NewSender(sink, protocol.SenderConfig{Role: api.RoleServer})
	ok, err := s.Send(protocol.OpcodeBinary, []byte("x"), protocol.SendOptions{Fin: true})
	require.NoError(t, err)
	assert.False(t, ok)

	sink.err = api.ErrTransportClosed
	_, err = s.Send(protocol.OpcodeBinary, []byte("x"), protocol.SendOptions{Fin: true})
	assert.True(t, errors.Is(err, api.ErrTransportClosed))
}

func TestSenderCompressionSetsRSV1Once(t *testing.T) {
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{
		Role:         api.RoleServer,
		Extension:    reverseExtension{},
		FragmentSize: 2,
	})
	_, err := s.Send(protocol.OpcodeText, []byte("abcd"), protocol.SendOptions{Fin: true, Compress: true})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{
		{0x41, 0x02, 'd', 'c'},
		{0x80, 0x02, 'b', 'a'},
	}, sink.writes)

	_, err = s.Send(protocol.OpcodeText, []byte("ab"), protocol.SendOptions{Fin: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x02, 'a', 'b'}, sink.writes[2], "no compression without the option")
}

type countingExtension struct {
	reverseExtension
	calls *int
}

func (e countingExtension) Compress(p []byte, fin bool) ([]byte, error) {
	*e.calls++
	return e.reverseExtension.Compress(p, fin)
}

func TestSenderBadMaskKeyLeavesCodecUntouched(t *testing.T) {
	calls := 0
	sink := newSink()
	s := protocol.NewSender(sink, protocol.SenderConfig{
		Role:      api.RoleClient,
		Extension: countingExtension{calls: &calls},
	})
	_, err := s.Send(protocol.OpcodeText, []byte("abc"), protocol.SendOptions{
		Fin: true, Compress: true, MaskKey: []byte{1, 2, 3},
	})
	assert.ErrorIs(t, err, api.ErrInvalidFrame)
	assert.Zero(t, calls)
	assert.Empty(t, sink.writes)

	_, err = s.Send(protocol.OpcodeText, []byte("abc"), protocol.SendOptions{
		Fin: true, Compress: true, MaskKey: rfcKey,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, byte(0xC1), sink.writes[0][0], "next message still starts a compressed frame")
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 1000, 65535, 65536, 100000}
	for _, role := range []api.Role{api.RoleClient, api.RoleServer} {
		for _, fragment := range []int{0, 777} {
			sink := newSink()
			s := protocol.NewSender(sink, protocol.SenderConfig{Role: role, FragmentSize: fragment})

			var want [][]byte
			for i, n := range sizes {
				payload := bytes.Repeat([]byte{byte(i + 1)}, n)
				want = append(want, payload)
				_, err := s.Send(protocol.OpcodeBinary, payload, protocol.SendOptions{Fin: true})
				require.NoError(t, err)
			}
			_, err := s.Close(protocol.CloseNormalClosure, "bye")
			require.NoError(t, err)

			peer := api.RoleServer
			if role == api.RoleServer {
				peer = api.RoleClient
			}
			rec := &recorder{}
			r := newReceiver(peer, rec)
			r.Feed(sink.joined())

			require.Len(t, rec.events, len(sizes)+1, "role %s fragment %d", role, fragment)
			for i, payload := range want {
				ev := rec.events[i]
				assert.Equal(t, protocol.EventMessage, ev.Kind)
				assert.Equal(t, len(payload), len(ev.Payload))
				assert.True(t, bytes.Equal(payload, ev.Payload) || len(payload) == 0)
			}
			last := rec.events[len(sizes)]
			assert.Equal(t, protocol.EventConclude, last.Kind)
			assert.Equal(t, uint16(1000), last.Code)
			assert.Equal(t, "bye", last.Reason)
		}
	}
}
