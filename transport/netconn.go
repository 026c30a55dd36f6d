// File: transport/netconn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// NetConn adapts a net.Conn to api.Transport. Inbound bytes are read on a
// dedicated goroutine and posted to the connection loop; outbound buffers are
// queued without blocking and flushed by a writer goroutine.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/internal/concurrency"
	"github.com/momentics/wsstream/pool"
)

// DefaultWriteHighWaterMark is the queued outbound size above which Write reports false.
const DefaultWriteHighWaterMark = 64 << 10

// DefaultCloseTimeout bounds the final flush of queued writes on Close.
const DefaultCloseTimeout = 5 * time.Second

// Handler receives transport callbacks. All of them run on the loop.
type Handler interface {
	OnData(p []byte)
	OnEnd()
	OnError(err error)
	OnDrain()
}

// NetConn is the api.Transport over a net.Conn.
type NetConn struct {
	conn    net.Conn
	loop    *concurrency.Loop
	handler Handler
	pool    *pool.BytePool
	log     *zap.Logger

	hwm          int
	closeTimeout time.Duration

	mu        sync.Mutex
	out       *queue.Queue
	outBytes  int
	wantDrain bool
	closing   bool
	paused    bool

	writeSignal  chan struct{}
	resumeSignal chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
}

var _ api.Transport = (*NetConn)(nil)

// NetConnConfig configures a NetConn.
type NetConnConfig struct {
	WriteHighWaterMark int
	CloseTimeout       time.Duration
	Pool               *pool.BytePool
	Logger             *zap.Logger
}

// NewNetConn wraps conn. Call Bind before Run.
func NewNetConn(conn net.Conn, loop *concurrency.Loop, cfg NetConnConfig) *NetConn {
	if cfg.WriteHighWaterMark <= 0 {
		cfg.WriteHighWaterMark = DefaultWriteHighWaterMark
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Pool == nil {
		cfg.Pool = defaultPool
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &NetConn{
		conn:         conn,
		loop:         loop,
		pool:         cfg.Pool,
		log:          cfg.Logger,
		hwm:          cfg.WriteHighWaterMark,
		closeTimeout: cfg.CloseTimeout,
		out:          queue.New(),
		writeSignal:  make(chan struct{}, 1),
		resumeSignal: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

var defaultPool = pool.NewBytePool(pool.DefaultReadSize)

// Bind sets the receiver of transport callbacks.
func (n *NetConn) Bind(h Handler) { n.handler = h }

// Write implements api.Transport. It never blocks.
func (n *NetConn) Write(p []byte) (bool, error) {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return false, api.ErrTransportClosed
	}
	n.out.Add(p)
	n.outBytes += len(p)
	ok := n.outBytes < n.hwm
	if !ok {
		n.wantDrain = true
	}
	n.mu.Unlock()

	signal(n.writeSignal)
	return ok, nil
}

// Pause implements api.Transport.
func (n *NetConn) Pause() {
	n.mu.Lock()
	n.paused = true
	n.mu.Unlock()
}

// Resume implements api.Transport.
func (n *NetConn) Resume() {
	n.mu.Lock()
	n.paused = false
	n.mu.Unlock()
	signal(n.resumeSignal)
}

// Close implements api.Transport: queued writes are flushed, then the
// connection is closed. Safe to call more than once.
func (n *NetConn) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		return nil
	}
	n.closing = true
	_ = n.conn.SetWriteDeadline(time.Now().Add(n.closeTimeout))
	signal(n.writeSignal)
	return nil
}

// Buffered returns the number of queued outbound bytes.
func (n *NetConn) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outBytes
}

// RemoteAddr returns the peer address.
func (n *NetConn) RemoteAddr() net.Addr { return n.conn.RemoteAddr() }

// readLoop runs until the connection fails or is closed.
func (n *NetConn) readLoop(ctx context.Context) error {
	for {
		if !n.waitResumed(ctx) {
			return nil
		}
		buf := n.pool.GetBuffer()
		nr, err := n.conn.Read(*buf)
		if nr > 0 {
			data := append([]byte(nil), (*buf)[:nr]...)
			n.loop.Post(func() { n.handler.OnData(data) })
		}
		n.pool.PutBuffer(buf)
		if err != nil {
			local := n.stopped()
			n.shutdown()
			if local || isClosed(err) {
				n.loop.Post(n.handler.OnEnd)
				return nil
			}
			n.log.Debug("read failed", zap.Error(err))
			n.loop.Post(func() { n.handler.OnError(err) })
			return nil
		}
	}
}

func (n *NetConn) waitResumed(ctx context.Context) bool {
	for {
		n.mu.Lock()
		paused := n.paused
		n.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-n.resumeSignal:
		case <-n.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// writeLoop flushes queued buffers in order and closes the connection once
// a Close was requested and the queue is empty.
func (n *NetConn) writeLoop(ctx context.Context) error {
	defer n.conn.Close()
	for {
		n.mu.Lock()
		batch := make(net.Buffers, 0, n.out.Length())
		for n.out.Length() > 0 {
			batch = append(batch, n.out.Remove().([]byte))
		}
		closing := n.closing
		n.mu.Unlock()

		if len(batch) > 0 {
			written, err := batch.WriteTo(n.conn)
			n.mu.Lock()
			n.outBytes -= int(written)
			drained := n.outBytes == 0 && n.wantDrain
			if drained {
				n.wantDrain = false
			}
			n.mu.Unlock()
			if err != nil {
				n.shutdown()
				if !closing {
					n.log.Debug("write failed", zap.Error(err))
					n.loop.Post(func() { n.handler.OnError(err) })
				}
				return nil
			}
			if drained {
				n.loop.Post(n.handler.OnDrain)
			}
			continue
		}
		if closing {
			n.shutdown()
			return nil
		}

		select {
		case <-n.writeSignal:
		case <-n.stop:
			return nil
		case <-ctx.Done():
			n.shutdown()
			return nil
		}
	}
}

// shutdown stops both goroutines; the deferred conn.Close in writeLoop
// unblocks a pending Read.
func (n *NetConn) shutdown() {
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()
	n.stopOnce.Do(func() { close(n.stop) })
}

func (n *NetConn) stopped() bool {
	select {
	case <-n.stop:
		return true
	default:
		return false
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
