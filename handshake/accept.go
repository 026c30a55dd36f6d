// File: handshake/accept.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package handshake

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/extension/deflate"
)

// Accept validates an upgrade request, writes the 101 response on the hijacked
// connection and returns it. On failure an HTTP error has been written when
// the connection was not hijacked yet.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (net.Conn, Result, error) {
	opts.applyDefaults()
	log := opts.Logger.With(zap.String("remote", r.RemoteAddr))

	fail := func(status int, msg string) (net.Conn, Result, error) {
		log.Debug("upgrade rejected", zap.Int("status", status), zap.String("reason", msg))
		http.Error(w, http.StatusText(status), status)
		return nil, Result{}, fmt.Errorf("%w: %s", ErrBadHandshake, msg)
	}

	if r.Method != http.MethodGet {
		return fail(http.StatusMethodNotAllowed, "method is not GET")
	}
	if headerSize(r.Header) > MaxHeaderSize {
		return fail(http.StatusRequestHeaderFieldsTooLarge, "headers too large")
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		return fail(http.StatusBadRequest, "invalid upgrade headers")
	}
	if r.Header.Get(headerVersion) != supportedVersion {
		w.Header().Set(headerVersion, supportedVersion)
		return fail(http.StatusUpgradeRequired, "unsupported version")
	}
	key := r.Header.Get(headerKey)
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return fail(http.StatusBadRequest, "invalid Sec-WebSocket-Key")
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return fail(http.StatusForbidden, "origin not allowed")
	}

	var res Result
	offered := headerTokens(r.Header, headerProtocol)
	for _, p := range opts.Subprotocols {
		if slices.Contains(offered, p) {
			res.Subprotocol = p
			break
		}
	}
	if opts.Compression {
		if p, ok := deflate.ParseOffer(r.Header.Values(headerExtensions)); ok {
			res.Deflate = &p
			res.level = opts.CompressionLevel
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return fail(http.StatusInternalServerError, "response does not implement http.Hijacker")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return fail(http.StatusInternalServerError, err.Error())
	}
	if brw.Reader.Buffered() > 0 {
		conn.Close()
		return nil, Result{}, fmt.Errorf("%w: client sent data before handshake completed", ErrBadHandshake)
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n")
	b.WriteString(headerAccept + ": " + AcceptKey(key) + "\r\n")
	if res.Subprotocol != "" {
		b.WriteString(headerProtocol + ": " + res.Subprotocol + "\r\n")
	}
	if res.Deflate != nil {
		b.WriteString(headerExtensions + ": " + res.Deflate.String() + "\r\n")
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(opts.Timeout))
	if _, err := conn.Write([]byte(b.String())); err != nil {
		conn.Close()
		return nil, Result{}, fmt.Errorf("write upgrade response: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	res.Header = r.Header
	log.Debug("upgraded",
		zap.String("subprotocol", res.Subprotocol),
		zap.Bool("compression", res.Deflate != nil))
	return conn, res, nil
}
