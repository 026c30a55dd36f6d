// File: handshake/handshake.go
// Package handshake performs the HTTP/1.1 upgrade that precedes framing.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accept upgrades a server-side request through http.Hijacker; Dial opens a
// client connection. Both negotiate permessage-deflate and a subprotocol and
// hand back the raw net.Conn for transport.Serve.

package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/extension/deflate"
)

const (
	webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// MaxHeaderSize bounds the combined size of the request header names and values.
	MaxHeaderSize = 8192

	// DefaultTimeout bounds the whole exchange when Options.Timeout is zero.
	DefaultTimeout = 10 * time.Second

	headerExtensions = "Sec-WebSocket-Extensions"
	headerProtocol   = "Sec-WebSocket-Protocol"
	headerKey        = "Sec-WebSocket-Key"
	headerVersion    = "Sec-WebSocket-Version"
	headerAccept     = "Sec-WebSocket-Accept"
	supportedVersion = "13"
)

// ErrBadHandshake is wrapped by every handshake failure.
var ErrBadHandshake = errors.New("websocket: bad handshake")

// Options are shared by Accept and Dial.
type Options struct {
	// Compression enables permessage-deflate negotiation. For Dial,
	// CompressionParams is the offer; Accept echoes the client's offer.
	Compression       bool
	CompressionParams deflate.Params
	CompressionLevel  int

	// Subprotocols in order of preference.
	Subprotocols []string

	// Header holds extra headers for the request or the 101 response.
	Header http.Header

	// CheckOrigin rejects cross-origin requests when it returns false.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Timeout time.Duration
	Logger  *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Result describes the negotiated connection.
type Result struct {
	// Deflate is nil unless permessage-deflate was negotiated.
	Deflate     *deflate.Params
	Subprotocol string
	Header      http.Header

	level int
}

// Extension builds the negotiated extension for role, or nil.
func (r Result) Extension(role api.Role) api.Extension {
	if r.Deflate == nil {
		return nil
	}
	return deflate.New(deflate.Config{Role: role, Params: *r.Deflate, Level: r.level})
}

// AcceptKey computes the Sec-WebSocket-Accept value for key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + webSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

func headerTokens(h http.Header, headerName string) []string {
	var out []string
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func headerSize(h http.Header) int {
	total := 0
	for k, vs := range h {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	return total
}
