// File: stream/adapter.go
// Package stream presents a Receiver/Sender pair as one duplex stream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Adapter owns the readyState, both directions of backpressure and the
// finish/end/close lifecycle of one connection. It is driven from a single
// goroutine: the transport owner calls Open/OnData/OnEnd/OnError/OnDrain and
// the application calls Write/Read/End/Close/Destroy on the same goroutine.

package stream

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/protocol"
)

// Message is one complete inbound message.
type Message struct {
	Opcode protocol.Opcode
	Data   []byte
}

// CloseInfo is the status the connection ended with.
type CloseInfo struct {
	Code   uint16
	Reason string
}

// CloseEvent is delivered exactly once when the adapter is destroyed.
type CloseEvent struct {
	Code   uint16
	Reason string
	Err    error
}

// Listeners are the optional application callbacks.
type Listeners struct {
	OnReadable func()
	OnPing     func(payload []byte)
	OnPong     func(payload []byte)
	OnDrain    func()
	OnFinish   func()
	OnEnd      func()
	OnClose    func(CloseEvent)
	OnError    func(error)

	// OnBacklogDrained fires when the inbound backlog fell back under the
	// drain threshold. A paused transport is resumed before it runs.
	OnBacklogDrained func()
}

// Stats are per-connection counters.
type Stats struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
	FramesIn    uint64
	FramesOut   uint64
}

type pendingWrite struct {
	op   protocol.Opcode
	data []byte
}

// Adapter is the per-connection duplex stream. It is not safe for concurrent use.
type Adapter struct {
	cfg  Config
	on   Listeners
	tr   api.Transport
	recv *protocol.Receiver
	send *protocol.Sender
	log  *zap.Logger
	id   string

	state  api.ReadyState
	opened bool

	// CONNECTING
	pending      *queue.Queue
	pendingBytes int
	closeCode    uint16
	closeReason  string

	// read side
	readable      *queue.Queue
	readableBytes int
	paused        bool
	concluded     bool
	endPending    bool
	ended         bool

	// write side
	needDrain     bool
	writableEnded bool
	finishPending bool
	finished      bool

	closeReceived   bool
	transportEnded  bool
	transportClosed bool
	info            CloseInfo
	infoSet         bool
	destroyed       bool

	messagesIn  uint64
	messagesOut uint64
}

// NewAdapter binds a new CONNECTING adapter to tr.
func NewAdapter(tr api.Transport, cfg Config, on Listeners) *Adapter {
	cfg.applyDefaults()
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := &Adapter{
		cfg:      cfg,
		on:       on,
		tr:       tr,
		id:       id,
		log:      cfg.Logger.With(zap.String("conn_id", id), zap.Stringer("role", cfg.Role)),
		state:    api.StateConnecting,
		pending:  queue.New(),
		readable: queue.New(),
	}
	a.recv = protocol.NewReceiver(protocol.ReceiverConfig{
		Role:               cfg.Role,
		MaxPayload:         cfg.MaxPayload,
		Extension:          cfg.Extension,
		DrainThreshold:     cfg.DrainThreshold,
		SkipUTF8Validation: cfg.SkipUTF8Validation,
		Emit:               a.handleEvent,
		OnDrain:            a.receiverDrained,
		Logger:             a.log,
	})
	a.send = protocol.NewSender(tr, protocol.SenderConfig{
		Role:         cfg.Role,
		Extension:    cfg.Extension,
		FragmentSize: cfg.FragmentSize,
		Logger:       a.log,
	})
	return a
}

// ID returns the connection identifier.
func (a *Adapter) ID() string { return a.id }

// ReadyState returns the current lifecycle phase.
func (a *Adapter) ReadyState() api.ReadyState { return a.state }

// CloseInfo returns the close status once it is known.
func (a *Adapter) CloseInfo() (CloseInfo, bool) { return a.info, a.infoSet }

// Destroyed reports whether the adapter was torn down.
func (a *Adapter) Destroyed() bool { return a.destroyed }

// Stats returns traffic counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		MessagesIn:  a.messagesIn,
		MessagesOut: a.messagesOut,
		BytesIn:     a.recv.BytesRead(),
		BytesOut:    a.send.BytesSent(),
		FramesIn:    a.recv.FramesRead(),
		FramesOut:   a.send.FramesSent(),
	}
}

// Open moves a CONNECTING adapter to OPEN and flushes queued writes. A close
// requested while connecting discards them and sends the close frame instead.
func (a *Adapter) Open() {
	if a.destroyed || a.opened {
		return
	}
	a.opened = true

	if a.state == api.StateClosing {
		a.log.Debug("close requested before open", zap.Int("discarded", a.pending.Length()))
		a.pending = queue.New()
		a.pendingBytes = 0
		if _, err := a.sendClose(a.closeCode, a.closeReason); err != nil {
			a.Destroy(err)
			return
		}
		if a.writableEnded {
			a.finishWrites()
		}
		return
	}

	a.setState(api.StateOpen)
	a.log.Debug("open", zap.Int("queued", a.pending.Length()))
	ok := true
	for a.pending.Length() > 0 {
		w := a.pending.Remove().(pendingWrite)
		a.pendingBytes -= len(w.data)
		var err error
		if ok, err = a.sendMessage(w.op, w.data); err != nil {
			a.Destroy(err)
			return
		}
	}
	if a.needDrain && ok {
		a.needDrain = false
		if a.on.OnDrain != nil {
			a.on.OnDrain()
		}
	} else if !ok {
		a.needDrain = true
	}
	if a.writableEnded {
		a.finishWrites()
	}
}

// Write sends p as one message (binary unless Config.WriteText). The result
// is false when the caller should wait for OnDrain before writing more.
func (a *Adapter) Write(p []byte) (bool, error) {
	op := protocol.OpcodeBinary
	if a.cfg.WriteText {
		op = protocol.OpcodeText
	}
	return a.WriteMessage(op, p)
}

// WriteMessage sends p as a message of type op.
func (a *Adapter) WriteMessage(op protocol.Opcode, p []byte) (bool, error) {
	if a.destroyed {
		return false, &api.NotOpenError{State: a.state}
	}
	if a.writableEnded {
		return false, ErrWriteAfterEnd
	}
	if op != protocol.OpcodeText && op != protocol.OpcodeBinary {
		return false, fmt.Errorf("%w: %s is not a data opcode", api.ErrInvalidFrame, op)
	}

	switch a.state {
	case api.StateConnecting:
		a.pending.Add(pendingWrite{op: op, data: append([]byte(nil), p...)})
		a.pendingBytes += len(p)
		ok := a.pendingBytes < a.cfg.WritableHighWaterMark
		if !ok {
			a.needDrain = true
		}
		return ok, nil
	case api.StateOpen:
		ok, err := a.sendMessage(op, p)
		if err != nil {
			a.Destroy(err)
			return false, err
		}
		if !ok {
			a.needDrain = true
		}
		return ok, nil
	default:
		err := &api.NotOpenError{State: a.state}
		a.Destroy(err)
		return false, err
	}
}

// Ping sends a ping. It fails without side effects outside OPEN.
func (a *Adapter) Ping(p []byte) error {
	return a.control(protocol.OpcodePing, p)
}

// Pong sends an unsolicited pong.
func (a *Adapter) Pong(p []byte) error {
	return a.control(protocol.OpcodePong, p)
}

// Read returns the next buffered inbound message. Reading below the high
// water mark resumes a paused transport.
func (a *Adapter) Read() (Message, bool) {
	if a.readable.Length() == 0 {
		a.maybeEnd()
		return Message{}, false
	}
	msg := a.readable.Remove().(Message)
	a.readableBytes -= len(msg.Data)

	if a.paused && a.readableBytes < a.cfg.ReadableHighWaterMark {
		a.paused = false
		a.log.Debug("resume transport", zap.Int("readable_bytes", a.readableBytes))
		a.tr.Resume()
		a.recv.Release()
		if a.endPending && !a.recv.Held() {
			a.endPending = false
			a.endOfInput()
		}
	}
	a.maybeEnd()
	return msg, true
}

// Buffered returns the number of undelivered inbound messages and bytes.
func (a *Adapter) Buffered() (messages, bytes int) {
	return a.readable.Length(), a.readableBytes
}

// End finishes the writable side: queued writes go out first, then a close
// frame without status. OnFinish fires once the transport accepted it.
func (a *Adapter) End() {
	if a.destroyed || a.writableEnded {
		return
	}
	a.writableEnded = true
	if a.state == api.StateConnecting || (a.state == api.StateClosing && !a.opened) {
		return
	}
	a.finishWrites()
}

// Close starts the closing handshake with code and reason. A zero code sends
// no status. While CONNECTING the request is recorded and carried out by Open.
func (a *Adapter) Close(code uint16, reason string) error {
	if a.destroyed || a.send.CloseSent() {
		return nil
	}
	if _, err := protocol.EncodeClosePayload(code, reason); err != nil {
		return err
	}
	switch a.state {
	case api.StateConnecting:
		a.setState(api.StateClosing)
		a.closeCode, a.closeReason = code, reason
		return nil
	case api.StateOpen, api.StateClosing:
		if !a.opened {
			return nil
		}
		_, err := a.sendClose(code, reason)
		if err != nil {
			a.Destroy(err)
		}
		return err
	default:
		return nil
	}
}

// Destroy tears the connection down immediately. It is idempotent; the first
// call decides the CloseEvent error.
func (a *Adapter) Destroy(err error) {
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.setState(api.StateClosed)
	a.recv.Discard()
	a.pending = queue.New()
	a.pendingBytes = 0
	a.readable = queue.New()
	a.readableBytes = 0
	a.setCloseInfo(protocol.CloseAbnormalClosure, "")

	if a.cfg.Extension != nil {
		if cerr := a.cfg.Extension.Close(); cerr != nil {
			a.log.Debug("extension close", zap.Error(cerr))
		}
	}
	a.closeTransport()
	a.cfg.Metrics.ConnectionClosed(a.info.Code)

	if err != nil {
		a.log.Warn("destroyed", zap.Uint16("code", a.info.Code), zap.Error(err))
	} else {
		a.log.Debug("destroyed", zap.Uint16("code", a.info.Code), zap.String("reason", a.info.Reason))
	}

	if err != nil && a.on.OnError != nil {
		a.on.OnError(err)
	}
	if a.on.OnClose != nil {
		a.on.OnClose(CloseEvent{Code: a.info.Code, Reason: a.info.Reason, Err: err})
	}
	if err != nil && a.on.OnError == nil {
		a.cfg.UnhandledErrorHook(&UnhandledError{ConnID: a.id, Err: err})
	}
}

// OnData feeds inbound bytes. The adapter takes ownership of p.
func (a *Adapter) OnData(p []byte) {
	if a.destroyed || a.concluded {
		return
	}
	a.recv.Feed(p)
	if !a.destroyed && !a.paused && a.recv.NeedDrain() {
		a.pause("receiver backlog")
	}
}

// OnEnd reports that the transport will deliver no more bytes. Complete
// frames still held back by backpressure are delivered first.
func (a *Adapter) OnEnd() {
	if a.destroyed || a.transportEnded {
		return
	}
	a.transportEnded = true
	a.transportClosed = true
	a.setState(api.StateClosed)
	if a.recv.Held() && a.recv.Buffered() > 0 {
		a.endPending = true
		return
	}
	a.endOfInput()
}

func (a *Adapter) endOfInput() {
	if !a.closeReceived {
		a.setCloseInfo(protocol.CloseAbnormalClosure, "")
		a.log.Debug("transport ended without close frame")
	}
	a.recv.Discard()
	a.concluded = true
	a.maybeEnd()
	if a.writableEnded && !a.finished {
		a.finish()
	}
}

// OnError reports a transport failure. It is fatal unless the peer already
// sent its close frame, in which case it only ends the input.
func (a *Adapter) OnError(err error) {
	if a.destroyed {
		return
	}
	if a.closeReceived {
		a.log.Debug("transport error after peer close", zap.Error(err))
		a.OnEnd()
		return
	}
	a.log.Error("transport error", zap.Error(err))
	a.transportEnded = true
	a.Destroy(err)
}

// OnDrain reports that the transport flushed its write buffer.
func (a *Adapter) OnDrain() {
	if a.destroyed {
		return
	}
	if a.finishPending {
		a.finishPending = false
		a.finish()
		if a.destroyed {
			return
		}
	}
	if a.needDrain {
		a.needDrain = false
		if a.on.OnDrain != nil {
			a.on.OnDrain()
		}
	}
}

func (a *Adapter) handleEvent(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventMessage:
		a.messagesIn++
		a.cfg.Metrics.MessageReceived(byte(ev.Opcode), len(ev.Payload))
		a.readable.Add(Message{Opcode: ev.Opcode, Data: ev.Payload})
		a.readableBytes += len(ev.Payload)
		if !a.paused && a.readableBytes >= a.cfg.ReadableHighWaterMark {
			a.pause("readable high water mark")
		}
		if a.on.OnReadable != nil {
			a.on.OnReadable()
		}

	case protocol.EventPing:
		if a.on.OnPing != nil {
			a.on.OnPing(ev.Payload)
		}
		if a.cfg.AutoPong && a.state == api.StateOpen && !a.send.CloseSent() {
			if _, err := a.send.Pong(ev.Payload); err != nil {
				a.Destroy(err)
			}
		}

	case protocol.EventPong:
		if a.on.OnPong != nil {
			a.on.OnPong(ev.Payload)
		}

	case protocol.EventConclude:
		a.conclude(ev.Code, ev.Reason)

	case protocol.EventError:
		code := protocol.CloseProtocolError
		if pe, ok := api.IsProtocolError(ev.Err); ok {
			code = pe.CloseCode
			a.cfg.Metrics.ProtocolError(pe.Code)
		}
		if a.opened && !a.send.CloseSent() && !a.transportEnded {
			if _, err := a.send.Close(code, ""); err != nil {
				a.log.Debug("close after protocol error", zap.Error(err))
			}
		}
		a.setCloseInfo(code, "")
		a.Destroy(ev.Err)
	}
}

func (a *Adapter) conclude(code uint16, reason string) {
	a.closeReceived = true
	a.concluded = true
	a.setCloseInfo(code, reason)
	a.log.Debug("peer closed", zap.Uint16("code", code), zap.String("reason", reason))

	switch {
	case a.send.CloseSent() || a.transportEnded:
		a.closeBoth()
	case a.opened:
		echo := code
		if echo == protocol.CloseNoStatusRcvd {
			echo, reason = protocol.CloseNormalClosure, ""
		}
		if _, err := a.sendClose(echo, reason); err != nil {
			if !errors.Is(err, api.ErrTransportClosed) {
				a.Destroy(err)
				return
			}
			// The peer hung up right after its close frame.
			a.log.Debug("close echo dropped", zap.Error(err))
			a.closeBoth()
		}
	}
	a.maybeEnd()
}

// maybeEnd fires OnEnd once the peer concluded and the consumer read everything.
func (a *Adapter) maybeEnd() {
	if a.destroyed || a.ended || !a.concluded || a.readable.Length() > 0 {
		return
	}
	a.ended = true
	if a.on.OnEnd != nil {
		a.on.OnEnd()
	}
	if a.destroyed {
		return
	}
	if !a.cfg.AllowHalfOpen && !a.writableEnded {
		a.End()
	}
	a.maybeDestroy()
}

func (a *Adapter) finishWrites() {
	if !a.send.CloseSent() && !a.transportClosed {
		ok, err := a.sendClose(0, "")
		if err != nil {
			a.Destroy(err)
			return
		}
		if !ok {
			a.finishPending = true
			return
		}
	} else if a.needDrain && !a.transportClosed {
		a.finishPending = true
		return
	}
	a.finish()
}

func (a *Adapter) finish() {
	if a.finished || a.destroyed {
		return
	}
	a.finished = true
	if a.on.OnFinish != nil {
		a.on.OnFinish()
	}
	a.maybeDestroy()
}

func (a *Adapter) maybeDestroy() {
	if a.finished && a.ended {
		a.Destroy(nil)
	}
}

func (a *Adapter) sendMessage(op protocol.Opcode, p []byte) (bool, error) {
	ok, err := a.send.Send(op, p, protocol.SendOptions{Fin: true, Compress: a.cfg.Compress})
	if err != nil {
		return false, err
	}
	a.messagesOut++
	a.cfg.Metrics.MessageSent(byte(op), len(p))
	return ok, nil
}

func (a *Adapter) sendClose(code uint16, reason string) (bool, error) {
	ok, err := a.send.Close(code, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		a.needDrain = true
	}
	if a.state == api.StateOpen {
		a.setState(api.StateClosing)
	}
	if a.closeReceived {
		a.closeBoth()
	}
	return ok, nil
}

func (a *Adapter) control(op protocol.Opcode, p []byte) error {
	if a.destroyed || a.state != api.StateOpen {
		return &api.NotOpenError{State: a.state}
	}
	ok, err := a.send.Send(op, p, protocol.SendOptions{Fin: true})
	if err != nil {
		if errors.Is(err, api.ErrInvalidFrame) {
			return err
		}
		a.Destroy(err)
		return err
	}
	if !ok {
		a.needDrain = true
	}
	return nil
}

// closeBoth runs once close frames went both ways.
func (a *Adapter) closeBoth() {
	if a.state == api.StateClosed {
		return
	}
	a.setState(api.StateClosed)
	a.closeTransport()
}

func (a *Adapter) closeTransport() {
	if a.transportClosed {
		return
	}
	a.transportClosed = true
	if err := a.tr.Close(); err != nil && !errors.Is(err, api.ErrTransportClosed) {
		a.log.Debug("transport close", zap.Error(err))
	}
}

func (a *Adapter) pause(why string) {
	a.paused = true
	a.recv.Hold()
	a.log.Debug("pause transport", zap.String("cause", why), zap.Int("readable_bytes", a.readableBytes))
	a.tr.Pause()
}

func (a *Adapter) receiverDrained() {
	a.log.Debug("receiver drained", zap.Int("buffered", a.recv.Buffered()))
	if a.on.OnBacklogDrained != nil {
		a.on.OnBacklogDrained()
	}
}

// setState applies legal lifecycle steps and ignores the rest.
func (a *Adapter) setState(next api.ReadyState) {
	if a.state == next || !a.state.CanTransition(next) {
		return
	}
	a.log.Debug("ready state", zap.Stringer("from", a.state), zap.Stringer("to", next))
	a.state = next
}

func (a *Adapter) setCloseInfo(code uint16, reason string) {
	if a.infoSet {
		return
	}
	a.info = CloseInfo{Code: code, Reason: reason}
	a.infoSet = true
}
