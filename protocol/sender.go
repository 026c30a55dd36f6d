// File: protocol/sender.go
// Package protocol implements the outbound frame builder.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sender turns outgoing payloads into wire frames: masking per role,
// optional extension transform, and fragmentation above a threshold.
// Every frame is written to the sink as one contiguous buffer.

package protocol

import (
	"crypto/rand"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
)

// SendOptions controls how a single payload is framed.
type SendOptions struct {
	// Fin marks the last part of a message. Fin == false starts or continues
	// a message whose next part uses the continuation opcode.
	Fin bool
	// Mask is honoured only when SenderConfig.AllowMaskOverride is set;
	// otherwise the role decides.
	Mask bool
	// Compress runs the payload through the configured extension.
	Compress bool
	// MaskKey fixes the masking key instead of drawing a random one.
	MaskKey []byte
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	Role              api.Role
	Extension         api.Extension
	FragmentSize      int // 0 disables automatic fragmentation
	AllowMaskOverride bool
	Rand              io.Reader // mask key source, crypto/rand by default
	Logger            *zap.Logger
}

// Sender is the per-connection frame builder. It is not safe for concurrent use.
type Sender struct {
	sink api.Sink
	cfg  SenderConfig
	log  *zap.Logger

	firstFragment bool
	compressing   bool
	closeSent     bool

	framesSent uint64
	bytesSent  uint64
}

// NewSender binds a frame builder to sink.
func NewSender(sink api.Sink, cfg SenderConfig) *Sender {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{sink: sink, cfg: cfg, log: log, firstFragment: true}
}

// Send frames payload with opcode and writes it. The returned bool is the
// sink's write-ok flag from the last frame written.
func (s *Sender) Send(op Opcode, payload []byte, opts SendOptions) (bool, error) {
	if s.closeSent {
		return false, api.ErrCloseSent
	}
	if op.IsControl() {
		return s.sendControl(op, payload, opts)
	}
	if op != OpcodeText && op != OpcodeBinary {
		return false, fmt.Errorf("%w: opcode 0x%x", api.ErrInvalidFrame, byte(op))
	}

	if err := checkMaskKey(opts.MaskKey); err != nil {
		return false, err
	}

	rsv1 := false
	if s.firstFragment {
		s.compressing = opts.Compress && s.cfg.Extension != nil
		rsv1 = s.compressing
	} else {
		op = OpcodeContinuation
	}

	data := payload
	if s.compressing {
		out, err := s.cfg.Extension.Compress(payload, opts.Fin)
		if err != nil {
			return false, fmt.Errorf("%s compress: %w", s.cfg.Extension.Name(), err)
		}
		data = out
	}

	frames, err := s.fragment(op, data, rsv1, opts)
	if err != nil {
		return false, err
	}
	s.firstFragment = opts.Fin
	if opts.Fin {
		s.compressing = false
	}
	return s.writeAll(frames)
}

// Ping sends a ping control frame.
func (s *Sender) Ping(payload []byte) (bool, error) {
	return s.Send(OpcodePing, payload, SendOptions{Fin: true})
}

// Pong sends a pong control frame.
func (s *Sender) Pong(payload []byte) (bool, error) {
	return s.Send(OpcodePong, payload, SendOptions{Fin: true})
}

// Close sends a close frame. A zero code sends an empty body.
func (s *Sender) Close(code uint16, reason string) (bool, error) {
	if s.closeSent {
		return false, api.ErrCloseSent
	}
	body, err := EncodeClosePayload(code, reason)
	if err != nil {
		return false, err
	}
	ok, err := s.sendControl(OpcodeClose, body, SendOptions{Fin: true})
	if err == nil {
		s.closeSent = true
		s.log.Debug("close frame sent", zap.Uint16("code", code))
	}
	return ok, err
}

// CloseSent reports whether a close frame has been written.
func (s *Sender) CloseSent() bool { return s.closeSent }

// FramesSent returns the number of frames written.
func (s *Sender) FramesSent() uint64 { return s.framesSent }

// BytesSent returns the number of wire bytes written.
func (s *Sender) BytesSent() uint64 { return s.bytesSent }

func (s *Sender) sendControl(op Opcode, payload []byte, opts SendOptions) (bool, error) {
	if !op.IsValid() {
		return false, fmt.Errorf("%w: opcode 0x%x", api.ErrInvalidFrame, byte(op))
	}
	if len(payload) > MaxControlPayloadLen {
		return false, fmt.Errorf("%w: control frame payload %d > %d",
			api.ErrInvalidFrame, len(payload), MaxControlPayloadLen)
	}
	opts.Fin = true
	buf, err := s.build(op, payload, true, false, opts)
	if err != nil {
		return false, err
	}
	return s.writeAll([][]byte{buf})
}

// fragment builds every frame before anything is written so a failure leaves
// the sink untouched.
func (s *Sender) fragment(op Opcode, data []byte, rsv1 bool, opts SendOptions) ([][]byte, error) {
	size := s.cfg.FragmentSize
	if size <= 0 || len(data) <= size {
		buf, err := s.build(op, data, opts.Fin, rsv1, opts)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}

	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		last := end == len(data)
		buf, err := s.build(op, data[off:end], last && opts.Fin, rsv1, opts)
		if err != nil {
			return nil, err
		}
		frames = append(frames, buf)
		op = OpcodeContinuation
		rsv1 = false
	}
	return frames, nil
}

func (s *Sender) build(op Opcode, payload []byte, fin, rsv1 bool, opts SendOptions) ([]byte, error) {
	masked := s.cfg.Role.MasksOutgoing()
	if s.cfg.AllowMaskOverride {
		masked = opts.Mask
	}

	f := Frame{
		Fin:        fin,
		RSV1:       rsv1,
		Opcode:     op,
		Masked:     masked,
		PayloadLen: uint64(len(payload)),
	}
	if masked {
		if err := s.maskKey(&f.MaskKey, opts.MaskKey); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, HeaderLen(f.PayloadLen, masked)+len(payload))
	buf = AppendHeader(buf, &f)
	start := len(buf)
	buf = append(buf, payload...)
	if masked {
		Mask(buf[start:], f.MaskKey, 0)
	}
	return buf, nil
}

// checkMaskKey rejects a bad fixed key before the extension sees the payload,
// since a context-takeover codec cannot be rewound.
func checkMaskKey(fixed []byte) error {
	if fixed != nil && len(fixed) != 4 {
		return fmt.Errorf("%w: mask key must be 4 bytes", api.ErrInvalidFrame)
	}
	return nil
}

func (s *Sender) maskKey(dst *[4]byte, fixed []byte) error {
	if fixed != nil {
		if err := checkMaskKey(fixed); err != nil {
			return err
		}
		copy(dst[:], fixed)
		return nil
	}
	if _, err := io.ReadFull(s.cfg.Rand, dst[:]); err != nil {
		return fmt.Errorf("mask key: %w", err)
	}
	return nil
}

func (s *Sender) writeAll(frames [][]byte) (bool, error) {
	ok := true
	for _, buf := range frames {
		wok, err := s.sink.Write(buf)
		if err != nil {
			return false, err
		}
		ok = wok
		s.framesSent++
		s.bytesSent += uint64(len(buf))
	}
	return ok, nil
}
