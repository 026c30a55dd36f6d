// File: protocol/receiver.go
// Package protocol implements the incremental frame parser and message reassembler.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receiver consumes an arbitrarily chunked byte stream and emits validated
// messages and control events in arrival order. It never blocks: bytes that
// do not yet form a complete header field or payload stay buffered until the
// next Feed. Backpressure is expressed through Hold/Release and NeedDrain.

package protocol

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
)

// EventKind tags an Event emitted by the Receiver.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventPing
	EventPong
	EventConclude
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventConclude:
		return "conclude"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged result of one parse step.
type Event struct {
	Kind    EventKind
	Opcode  Opcode // EventMessage only
	Payload []byte // message, ping or pong body
	Code    uint16 // EventConclude only
	Reason  string // EventConclude only
	Err     error  // EventError only
}

// ReceiverConfig configures a Receiver. Emit is required.
type ReceiverConfig struct {
	Role               api.Role
	MaxPayload         int64 // 0 disables the limit
	Extension          api.Extension
	DrainThreshold     int
	SkipUTF8Validation bool
	Emit               func(Event)
	OnDrain            func()
	Logger             *zap.Logger
}

type parseState uint8

const (
	awaitingHeader parseState = iota
	awaitingExtendedLength
	awaitingMaskKey
	awaitingPayload
)

// Receiver is the per-connection frame parser. It is not safe for concurrent use.
type Receiver struct {
	cfg ReceiverConfig
	log *zap.Logger

	state    parseState
	buffers  [][]byte
	buffered int

	// frame in progress
	fin        bool
	rsv1       bool
	opcode     Opcode
	masked     bool
	extLen     int
	payloadLen uint64
	maskKey    [4]byte
	maskPos    int
	payload    []byte

	// message in progress
	fragmented Opcode
	inMessage  bool
	compressed bool
	fragments  [][]byte
	messageLen uint64

	held      bool
	running   bool
	done      bool
	needDrain bool

	framesRead uint64
	bytesRead  uint64
}

// NewReceiver creates a Receiver in the awaiting-header state.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.DrainThreshold <= 0 {
		cfg.DrainThreshold = DefaultDrainThreshold
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{cfg: cfg, log: log}
}

// Feed appends p to the stream and parses as far as possible. The receiver
// takes ownership of p. It returns false when the caller should stop feeding
// until OnDrain fires.
func (r *Receiver) Feed(p []byte) bool {
	if r.done || len(p) == 0 {
		return !r.needDrain
	}
	r.buffers = append(r.buffers, p)
	r.buffered += len(p)
	r.bytesRead += uint64(len(p))
	if r.buffered > r.cfg.DrainThreshold {
		r.needDrain = true
	}
	r.run()
	return !r.needDrain
}

// Hold stops event emission; subsequent Feed calls only buffer.
func (r *Receiver) Hold() { r.held = true }

// Release resumes parsing of the buffered backlog.
func (r *Receiver) Release() {
	if !r.held {
		return
	}
	r.held = false
	r.run()
}

// Held reports whether emission is currently suspended.
func (r *Receiver) Held() bool { return r.held }

// NeedDrain reports whether buffered-but-unparsed bytes exceed the threshold.
func (r *Receiver) NeedDrain() bool { return r.needDrain }

// Buffered returns the number of bytes fed but not yet parsed.
func (r *Receiver) Buffered() int { return r.buffered }

// Done reports whether the receiver concluded or failed.
func (r *Receiver) Done() bool { return r.done }

// FramesRead returns the number of complete frames parsed.
func (r *Receiver) FramesRead() uint64 { return r.framesRead }

// BytesRead returns the number of bytes fed.
func (r *Receiver) BytesRead() uint64 { return r.bytesRead }

// Discard drops all buffered and partial state and stops the receiver.
func (r *Receiver) Discard() {
	r.done = true
	r.buffers = nil
	r.buffered = 0
	r.payload = nil
	r.fragments = nil
}

func (r *Receiver) run() {
	if r.running {
		return
	}
	r.running = true
	for !r.done && !r.held {
		progressed, err := r.step()
		if err != nil {
			r.fail(err)
			break
		}
		if !progressed {
			break
		}
	}
	r.running = false

	if r.needDrain && r.buffered <= r.cfg.DrainThreshold {
		r.needDrain = false
		if r.cfg.OnDrain != nil {
			r.cfg.OnDrain()
		}
	}
}

func (r *Receiver) step() (bool, error) {
	switch r.state {
	case awaitingHeader:
		return r.parseHeader()
	case awaitingExtendedLength:
		return r.parseExtendedLength()
	case awaitingMaskKey:
		return r.parseMaskKey()
	default:
		return r.parsePayload()
	}
}

func (r *Receiver) parseHeader() (bool, error) {
	var h [2]byte
	if !r.read(h[:]) {
		return false, nil
	}

	if h[0]&(Rsv2Bit|Rsv3Bit) != 0 {
		return false, api.NewProtocolError(api.ErrCodeReservedBits, CloseProtocolError,
			"RSV2 and RSV3 must be clear")
	}
	r.rsv1 = h[0]&Rsv1Bit != 0
	if r.rsv1 && r.cfg.Extension == nil {
		return false, api.NewProtocolError(api.ErrCodeReservedBits, CloseProtocolError,
			"RSV1 must be clear")
	}

	r.fin = h[0]&FinBit != 0
	r.opcode = Opcode(h[0] & OpcodeBits)
	r.payloadLen = uint64(h[1] & LenBits)

	switch {
	case r.opcode == OpcodeContinuation:
		if r.rsv1 {
			return false, api.NewProtocolError(api.ErrCodeReservedBits, CloseProtocolError,
				"RSV1 must be clear")
		}
		if !r.inMessage {
			return false, api.NewProtocolError(api.ErrCodeUnexpectedContinuation, CloseProtocolError,
				"invalid opcode 0")
		}
	case r.opcode == OpcodeText || r.opcode == OpcodeBinary:
		if r.inMessage {
			return false, api.NewProtocolError(api.ErrCodeExpectedContinuation, CloseProtocolError,
				"invalid opcode %d", r.opcode)
		}
	case r.opcode == OpcodeClose || r.opcode == OpcodePing || r.opcode == OpcodePong:
		if !r.fin {
			return false, api.NewProtocolError(api.ErrCodeControlFragmented, CloseProtocolError,
				"FIN must be set")
		}
		if r.rsv1 {
			return false, api.NewProtocolError(api.ErrCodeReservedBits, CloseProtocolError,
				"RSV1 must be clear")
		}
		if r.payloadLen > MaxControlPayloadLen {
			return false, api.NewProtocolError(api.ErrCodeControlTooLong, CloseProtocolError,
				"invalid payload length %d", r.payloadLen)
		}
		if r.opcode == OpcodeClose && r.payloadLen == 1 {
			return false, api.NewProtocolError(api.ErrCodeInvalidClosePayload, CloseProtocolError,
				"invalid payload length 1")
		}
	default:
		return false, api.NewProtocolError(api.ErrCodeInvalidOpcode, CloseProtocolError,
			"invalid opcode %d", r.opcode)
	}

	r.masked = h[1]&MaskBit != 0
	if r.cfg.Role.ExpectsMaskedIncoming() && !r.masked {
		return false, api.NewProtocolError(api.ErrCodeMaskRequired, CloseProtocolError,
			"MASK must be set")
	}
	if !r.cfg.Role.ExpectsMaskedIncoming() && r.masked {
		return false, api.NewProtocolError(api.ErrCodeMaskForbidden, CloseProtocolError,
			"MASK must be clear")
	}

	switch r.payloadLen {
	case 126:
		r.extLen = 2
		r.state = awaitingExtendedLength
		return true, nil
	case 127:
		r.extLen = 8
		r.state = awaitingExtendedLength
		return true, nil
	}
	return true, r.lengthKnown()
}

func (r *Receiver) parseExtendedLength() (bool, error) {
	var ext [8]byte
	if !r.read(ext[:r.extLen]) {
		return false, nil
	}
	if r.extLen == 2 {
		r.payloadLen = uint64(binary.BigEndian.Uint16(ext[:2]))
	} else {
		r.payloadLen = binary.BigEndian.Uint64(ext[:])
		if r.payloadLen>>63 != 0 {
			return false, api.NewProtocolError(api.ErrCodeInvalidLength, CloseProtocolError,
				"invalid payload length: most significant bit set")
		}
	}
	return true, r.lengthKnown()
}

func (r *Receiver) lengthKnown() error {
	if !r.opcode.IsControl() && r.cfg.MaxPayload > 0 {
		if r.messageLen+r.payloadLen > uint64(r.cfg.MaxPayload) {
			return api.NewProtocolError(api.ErrCodeMessageTooBig, CloseMessageTooBig,
				"max payload size exceeded")
		}
	}
	if r.masked {
		r.state = awaitingMaskKey
	} else {
		r.state = awaitingPayload
	}
	return nil
}

func (r *Receiver) parseMaskKey() (bool, error) {
	if !r.read(r.maskKey[:]) {
		return false, nil
	}
	r.maskPos = 0
	r.state = awaitingPayload
	return true, nil
}

// parsePayload unmasks whatever part of the payload is available.
func (r *Receiver) parsePayload() (bool, error) {
	remaining := r.payloadLen - uint64(len(r.payload))
	if remaining > 0 {
		if r.buffered == 0 {
			return false, nil
		}
		chunk := r.take(remaining)
		if r.masked {
			r.maskPos = Mask(chunk, r.maskKey, r.maskPos)
		}
		if r.payload == nil && uint64(len(chunk)) == remaining {
			r.payload = chunk
		} else {
			r.payload = append(r.payload, chunk...)
		}
		if uint64(len(r.payload)) < r.payloadLen {
			return true, nil
		}
	}
	return true, r.frameComplete()
}

func (r *Receiver) frameComplete() error {
	payload := r.payload
	r.payload = nil
	r.state = awaitingHeader
	r.framesRead++

	if r.opcode.IsControl() {
		return r.controlFrame(payload)
	}

	if !r.inMessage {
		r.inMessage = true
		r.fragmented = r.opcode
		r.compressed = r.rsv1
	}
	r.messageLen += uint64(len(payload))
	r.fragments = append(r.fragments, payload)
	if !r.fin {
		return nil
	}
	return r.messageComplete()
}

func (r *Receiver) messageComplete() error {
	opcode := r.fragmented
	data := r.joinFragments()
	compressed := r.compressed

	r.inMessage = false
	r.fragmented = OpcodeContinuation
	r.compressed = false
	r.fragments = r.fragments[:0]
	r.messageLen = 0

	if compressed {
		out, err := r.cfg.Extension.Decompress(data, r.cfg.MaxPayload)
		if err != nil {
			if errors.Is(err, api.ErrMessageTooBig) {
				return api.NewProtocolError(api.ErrCodeMessageTooBig, CloseMessageTooBig,
					"max payload size exceeded")
			}
			pe := api.NewProtocolError(api.ErrCodeExtension, CloseInvalidPayloadData,
				"%s failed", r.cfg.Extension.Name())
			pe.Err = err
			return pe
		}
		data = out
	}

	if opcode == OpcodeText && !r.cfg.SkipUTF8Validation && !utf8.Valid(data) {
		return api.NewProtocolError(api.ErrCodeInvalidUTF8, CloseInvalidPayloadData,
			"invalid UTF-8 sequence")
	}

	r.cfg.Emit(Event{Kind: EventMessage, Opcode: opcode, Payload: data})
	return nil
}

func (r *Receiver) controlFrame(payload []byte) error {
	switch r.opcode {
	case OpcodeClose:
		code, reason, err := DecodeClosePayload(payload, !r.cfg.SkipUTF8Validation)
		if err != nil {
			return err
		}
		r.log.Debug("close frame received", zap.Uint16("code", code), zap.String("reason", reason))
		r.done = true
		r.buffers = nil
		r.buffered = 0
		r.cfg.Emit(Event{Kind: EventConclude, Code: code, Reason: reason})
	case OpcodePing:
		r.cfg.Emit(Event{Kind: EventPing, Payload: payload})
	case OpcodePong:
		r.cfg.Emit(Event{Kind: EventPong, Payload: payload})
	}
	return nil
}

func (r *Receiver) fail(err error) {
	r.log.Warn("protocol violation", zap.Error(err))
	r.Discard()
	r.cfg.Emit(Event{Kind: EventError, Err: err})
}

func (r *Receiver) joinFragments() []byte {
	if len(r.fragments) == 1 {
		return r.fragments[0]
	}
	out := make([]byte, 0, r.messageLen)
	for _, f := range r.fragments {
		out = append(out, f...)
	}
	return out
}

// read copies exactly len(dst) bytes out of the buffer list, or nothing.
func (r *Receiver) read(dst []byte) bool {
	if r.buffered < len(dst) {
		return false
	}
	n := 0
	for n < len(dst) {
		c := copy(dst[n:], r.buffers[0])
		n += c
		r.advance(c)
	}
	return true
}

// take returns up to max bytes from the head buffer without copying.
func (r *Receiver) take(max uint64) []byte {
	head := r.buffers[0]
	n := len(head)
	if uint64(n) > max {
		n = int(max)
	}
	chunk := head[:n:n]
	r.advance(n)
	return chunk
}

func (r *Receiver) advance(n int) {
	r.buffered -= n
	if n == len(r.buffers[0]) {
		r.buffers[0] = nil
		r.buffers = r.buffers[1:]
		return
	}
	r.buffers[0] = r.buffers[0][n:]
}
