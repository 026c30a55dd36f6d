// File: cmd/wsecho/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket echo server: every message a client sends is returned verbatim.
// Configuration comes from an optional file plus WSSTREAM_* environment
// variables; the log level follows config file edits.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/control"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml, json or toml)")
	addr := flag.String("addr", "", "listen address, overrides the config")
	debugPath := flag.String("debug", "/debug/vars", "path of the JSON debug endpoint, empty to disable")
	flag.Parse()

	if err := run(*configPath, *addr, *debugPath); err != nil {
		fmt.Fprintln(os.Stderr, "wsecho:", err)
		os.Exit(1)
	}
}

func run(configPath, addr, debugPath string) error {
	store, err := control.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := store.Snapshot()
	if addr != "" {
		cfg.Listen = addr
	}

	log, level, err := control.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	store.SetLogger(log)
	store.OnReload(func(c control.Config) {
		if err := control.ApplyLevel(level, c.Log); err != nil {
			log.Warn("log level not applied", zap.Error(err))
		}
	})
	store.Watch()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := control.NewMetricsRegistry()
	echo := newEchoServer(context.WithoutCancel(ctx), store, metrics, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, echo)
	if debugPath != "" {
		probes := control.NewDebugProbes()
		probes.RegisterMetrics(metrics)
		mux.Handle(debugPath, probes)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Transport.HandshakeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen), zap.String("path", cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.CloseTimeout+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := echo.Shutdown(shutdownCtx); err != nil {
		log.Warn("connections still open at exit", zap.Error(err))
	}
	log.Info("stopped", zap.Any("metrics", metrics.GetSnapshot()))
	return nil
}
