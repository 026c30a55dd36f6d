// File: transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn drives a stream.Adapter over a net.Conn and exposes a blocking,
// goroutine-safe message API on top of it.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/internal/concurrency"
	"github.com/momentics/wsstream/pool"
	"github.com/momentics/wsstream/protocol"
	"github.com/momentics/wsstream/stream"
)

// Options configures Serve.
type Options struct {
	Stream             stream.Config
	WriteHighWaterMark int
	ReadBufferSize     int
	CloseTimeout       time.Duration
	Socket             SocketOptions
	Logger             *zap.Logger

	// OnPing and OnPong observe control frames. They run on the connection
	// loop and must not block.
	OnPing func(payload []byte)
	OnPong func(payload []byte)
}

// Conn is one established WebSocket connection.
type Conn struct {
	nc      *NetConn
	loop    *concurrency.Loop
	adapter *stream.Adapter
	group   *errgroup.Group
	cancel  context.CancelFunc
	log     *zap.Logger

	closeTimeout time.Duration

	readable chan struct{}
	drained  chan struct{}
	done     chan struct{}

	// loop-owned
	closing bool
	ended   bool

	mu       sync.Mutex
	event    stream.CloseEvent
	leftover []byte
	readMu   sync.Mutex
}

// Serve starts the connection goroutines for an upgraded conn and opens the
// adapter. The returned Conn stays valid until Done is closed.
func Serve(ctx context.Context, conn net.Conn, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if err := ApplySocketOptions(conn, opts.Socket); err != nil {
		opts.Logger.Debug("socket options", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	loop := concurrency.NewLoop()
	c := &Conn{
		loop:         loop,
		cancel:       cancel,
		log:          opts.Logger,
		closeTimeout: opts.CloseTimeout,
		readable:     make(chan struct{}, 1),
		drained:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.nc = NewNetConn(conn, loop, NetConnConfig{
		WriteHighWaterMark: opts.WriteHighWaterMark,
		CloseTimeout:       opts.CloseTimeout,
		Pool:               readPool(opts.ReadBufferSize),
		Logger:             opts.Logger,
	})
	c.adapter = stream.NewAdapter(c.nc, opts.Stream, stream.Listeners{
		OnReadable: c.onReadable,
		OnPing:     opts.OnPing,
		OnPong:     opts.OnPong,
		OnDrain:    func() { signal(c.drained) },
		OnEnd: func() {
			c.ended = true
			signal(c.readable)
		},
		OnError: func(err error) {
			c.log.Debug("connection error", zap.Error(err))
		},
		OnClose: c.onClose,
	})
	c.nc.Bind(c.adapter)

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	// The loop outlives ctx so the Destroy posted below still runs.
	g.Go(func() error { return loop.Run(context.WithoutCancel(gctx)) })
	g.Go(func() error { return c.nc.readLoop(gctx) })
	g.Go(func() error { return c.nc.writeLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			loop.Post(func() { c.adapter.Destroy(gctx.Err()) })
		case <-c.done:
		}
		return nil
	})

	loop.Post(c.adapter.Open)
	return c
}

func readPool(size int) *pool.BytePool {
	if size <= 0 || size == pool.DefaultReadSize {
		return defaultPool
	}
	return pool.NewBytePool(size)
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.adapter.ID() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// ReadMessage blocks until a complete message arrives. It returns io.EOF once
// the peer closed cleanly and every message was read.
func (c *Conn) ReadMessage(ctx context.Context) (stream.Message, error) {
	for {
		var (
			msg   stream.Message
			ok    bool
			ended bool
		)
		err := c.loop.Do(ctx, func() {
			msg, ok = c.adapter.Read()
			ended = c.ended || c.adapter.Destroyed()
		})
		if err != nil {
			if errors.Is(err, concurrency.ErrLoopStopped) {
				return stream.Message{}, c.terminalErr()
			}
			return stream.Message{}, err
		}
		if ok {
			return msg, nil
		}
		if ended {
			return stream.Message{}, c.terminalErr()
		}
		select {
		case <-c.readable:
		case <-c.done:
		case <-ctx.Done():
			return stream.Message{}, ctx.Err()
		}
	}
}

// Read implements io.Reader over consecutive message payloads.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.leftover) == 0 {
		msg, err := c.ReadMessage(context.Background())
		if err != nil {
			return 0, err
		}
		c.leftover = msg.Data
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// WriteMessage sends one message and waits while the transport is over its
// high-water mark.
func (c *Conn) WriteMessage(ctx context.Context, op protocol.Opcode, data []byte) error {
	var (
		ok   bool
		werr error
	)
	if err := c.do(ctx, func() {
		c.clearDrained()
		ok, werr = c.adapter.WriteMessage(op, data)
	}); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}
	if ok {
		return nil
	}
	select {
	case <-c.drained:
		return nil
	case <-c.done:
		return c.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write implements io.Writer; each call is one message of the configured type.
func (c *Conn) Write(p []byte) (int, error) {
	var (
		ok   bool
		werr error
	)
	data := append([]byte(nil), p...)
	if err := c.do(context.Background(), func() {
		c.clearDrained()
		ok, werr = c.adapter.Write(data)
	}); err != nil {
		return 0, err
	}
	if werr != nil {
		return 0, werr
	}
	if !ok {
		select {
		case <-c.drained:
		case <-c.done:
		}
	}
	return len(p), nil
}

// Ping sends a ping frame.
func (c *Conn) Ping(ctx context.Context, payload []byte) error {
	var perr error
	if err := c.do(ctx, func() { perr = c.adapter.Ping(payload) }); err != nil {
		return err
	}
	return perr
}

// Close runs the closing handshake with status 1000.
func (c *Conn) Close() error {
	return c.CloseWithStatus(protocol.CloseNormalClosure, "")
}

// CloseWithStatus sends a close frame, discards unread messages and waits for
// the peer to answer. After the close timeout the connection is destroyed.
func (c *Conn) CloseWithStatus(code uint16, reason string) error {
	var cerr error
	err := c.loop.Do(context.Background(), func() {
		c.closing = true
		c.discard()
		if cerr = c.adapter.Close(code, reason); cerr != nil {
			return
		}
		c.adapter.End()
	})
	if err != nil && !errors.Is(err, concurrency.ErrLoopStopped) {
		return err
	}
	if cerr != nil {
		return cerr
	}

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.log.Debug("close handshake timed out", zap.Duration("timeout", c.closeTimeout))
		c.loop.Post(func() { c.adapter.Destroy(nil) })
	}
	return c.Wait()
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseEvent returns how the connection ended. Valid after Done is closed.
func (c *Conn) CloseEvent() stream.CloseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.event
}

// Err returns the error the connection was destroyed with, if any.
func (c *Conn) Err() error { return c.CloseEvent().Err }

// Stats returns traffic counters.
func (c *Conn) Stats() stream.Stats {
	var st stream.Stats
	_ = c.loop.Do(context.Background(), func() { st = c.adapter.Stats() })
	return st
}

// Wait blocks until every connection goroutine returned.
func (c *Conn) Wait() error {
	err := c.group.Wait()
	c.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Conn) do(ctx context.Context, fn func()) error {
	err := c.loop.Do(ctx, fn)
	if errors.Is(err, concurrency.ErrLoopStopped) {
		return &api.NotOpenError{State: api.StateClosed}
	}
	return err
}

// clearDrained drops a drain signal left over from an earlier write. It runs
// on the loop, where OnDrain is delivered.
func (c *Conn) clearDrained() {
	select {
	case <-c.drained:
	default:
	}
}

func (c *Conn) onReadable() {
	if c.closing {
		c.discard()
		return
	}
	signal(c.readable)
}

func (c *Conn) discard() {
	for {
		if _, ok := c.adapter.Read(); !ok {
			return
		}
	}
}

func (c *Conn) onClose(ev stream.CloseEvent) {
	c.mu.Lock()
	c.event = ev
	c.mu.Unlock()
	c.log.Debug("connection closed",
		zap.String("conn_id", c.adapter.ID()),
		zap.Uint16("code", ev.Code),
		zap.String("reason", ev.Reason))
	close(c.done)
	c.loop.Stop()
}

func (c *Conn) terminalErr() error {
	select {
	case <-c.done:
	default:
		return io.EOF
	}
	if err := c.Err(); err != nil {
		return err
	}
	return io.EOF
}
