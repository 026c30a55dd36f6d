// File: handshake/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package handshake

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/extension/deflate"
)

// DialOptions extends Options with client-only settings.
type DialOptions struct {
	Options
	TLSConfig *tls.Config
}

// Dial connects to a ws:// or wss:// URL and performs the client handshake.
// The returned conn replays any frame bytes that arrived with the response.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (net.Conn, Result, error) {
	opts.applyDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, Result{}, fmt.Errorf("parse url: %w", err)
	}
	secure := false
	switch u.Scheme {
	case "ws", "http":
	case "wss", "https":
		secure = true
	default:
		return nil, Result{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadHandshake, u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var conn net.Conn
	if secure {
		cfg := opts.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		d := &tls.Dialer{Config: cfg}
		conn, err = d.DialContext(ctx, "tcp", host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, Result{}, fmt.Errorf("dial %s: %w", host, err)
	}

	c, res, err := clientHandshake(ctx, conn, u, opts.Options)
	if err != nil {
		conn.Close()
		return nil, Result{}, err
	}
	opts.Logger.Debug("dialed",
		zap.String("url", u.Redacted()),
		zap.String("subprotocol", res.Subprotocol),
		zap.Bool("compression", res.Deflate != nil))
	return c, res, nil
}

func clientHandshake(ctx context.Context, conn net.Conn, u *url.URL, opts Options) (net.Conn, Result, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	defer conn.SetDeadline(time.Time{})

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, Result{}, fmt.Errorf("handshake key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, (&url.URL{Scheme: "http", Host: u.Host, Path: u.Path, RawQuery: u.RawQuery}).String(), nil)
	if err != nil {
		return nil, Result{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range opts.Header {
		req.Header[k] = slices.Clone(vs)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set(headerKey, key)
	req.Header.Set(headerVersion, supportedVersion)
	if len(opts.Subprotocols) > 0 {
		req.Header.Set(headerProtocol, strings.Join(opts.Subprotocols, ", "))
	}
	if opts.Compression {
		req.Header.Set(headerExtensions, opts.CompressionParams.Offer())
	}
	if err := req.Write(conn); err != nil {
		return nil, Result{}, fmt.Errorf("write request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, Result{}, fmt.Errorf("read response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, Result{}, fmt.Errorf("%w: unexpected status %s", ErrBadHandshake, resp.Status)
	}
	if !headerContainsToken(resp.Header, "Connection", "Upgrade") ||
		!headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return nil, Result{}, fmt.Errorf("%w: invalid upgrade headers", ErrBadHandshake)
	}
	if resp.Header.Get(headerAccept) != AcceptKey(key) {
		return nil, Result{}, fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrBadHandshake)
	}

	res := Result{Header: resp.Header, level: opts.CompressionLevel}
	if proto := resp.Header.Get(headerProtocol); proto != "" {
		if !slices.Contains(opts.Subprotocols, proto) {
			return nil, Result{}, fmt.Errorf("%w: server selected unrequested subprotocol %q", ErrBadHandshake, proto)
		}
		res.Subprotocol = proto
	}
	params, ok, err := deflate.ParseResponse(resp.Header.Values(headerExtensions))
	if err != nil {
		return nil, Result{}, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if ok {
		if !opts.Compression {
			return nil, Result{}, fmt.Errorf("%w: server negotiated an extension that was not offered", ErrBadHandshake)
		}
		res.Deflate = &params
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, res, nil
	}
	return conn, res, nil
}

// bufferedConn serves bytes read past the 101 response before the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
