// File: cmd/wsecho/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/control"
	"github.com/momentics/wsstream/handshake"
	"github.com/momentics/wsstream/internal/session"
	"github.com/momentics/wsstream/protocol"
	"github.com/momentics/wsstream/transport"
)

// echoServer upgrades requests and echoes every message back.
type echoServer struct {
	ctx     context.Context
	store   *control.ConfigStore
	metrics *control.MetricsRegistry
	log     *zap.Logger

	conns *session.Registry[*transport.Conn]
	wg    sync.WaitGroup
}

func newEchoServer(ctx context.Context, store *control.ConfigStore, metrics *control.MetricsRegistry, log *zap.Logger) *echoServer {
	return &echoServer{
		ctx:     ctx,
		store:   store,
		metrics: metrics,
		log:     log,
		conns:   session.NewRegistry[*transport.Conn](0),
	}
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	hs := cfg.HandshakeOptions()
	hs.Logger = s.log
	conn, res, err := handshake.Accept(w, r, hs)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	opts := cfg.TransportOptions(api.RoleServer)
	opts.Logger = s.log
	opts.Stream.Metrics = s.metrics
	if ext := res.Extension(api.RoleServer); ext != nil {
		opts.Stream.Extension = ext
		opts.Stream.Compress = true
	}

	c := transport.Serve(s.ctx, conn, opts)
	s.metrics.ConnectionOpened()
	s.conns.Add(c.ID(), c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.conns.Delete(c.ID())
		s.echo(c)
	}()
}

func (s *echoServer) echo(c *transport.Conn) {
	log := s.log.With(zap.String("conn_id", c.ID()), zap.Stringer("remote", c.RemoteAddr()))
	log.Debug("connection open")
	for {
		msg, err := c.ReadMessage(s.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				log.Warn("read failed", zap.Error(err))
			}
			break
		}
		if err := c.WriteMessage(s.ctx, msg.Opcode, msg.Data); err != nil {
			log.Warn("write failed", zap.Error(err))
			break
		}
	}
	if err := c.Close(); err != nil {
		log.Debug("close", zap.Error(err))
	}
	ev := c.CloseEvent()
	log.Debug("connection closed", zap.Uint16("code", ev.Code), zap.String("reason", ev.Reason))
}

// Shutdown sends 1001 to every open connection and waits for the echo
// goroutines to return or ctx to expire.
func (s *echoServer) Shutdown(ctx context.Context) error {
	for _, c := range s.conns.Snapshot() {
		c := c
		go func() { _ = c.CloseWithStatus(protocol.CloseGoingAway, "server shutdown") }()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
