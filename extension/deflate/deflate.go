// File: extension/deflate/deflate.go
// Package deflate implements the permessage-deflate message transform.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outgoing messages are compressed with a sync flush and the trailing
// 0x00 0x00 0xff 0xff removed; incoming messages get the tail appended back
// before inflating. With context takeover the compressor keeps its state and
// the decompressor keeps a 32 KiB sliding dictionary across messages.

package deflate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/momentics/wsstream/api"
)

const (
	windowSize = 32 << 10

	// syncTail ends a sync-flushed deflate stream; finalBlock makes the
	// appended stream end cleanly instead of with io.ErrUnexpectedEOF.
	syncTail   = "\x00\x00\xff\xff"
	finalBlock = "\x01\x00\x00\xff\xff"
)

// Config configures one side of a negotiated extension.
type Config struct {
	Role   api.Role
	Params Params
	Level  int // flate level, 0 selects flate.DefaultCompression
}

// Deflate is a per-connection api.Extension. It is not safe for concurrent use.
type Deflate struct {
	level         int
	resetOutgoing bool
	resetIncoming bool

	out bytes.Buffer
	fw  *flate.Writer

	fr   io.ReadCloser
	dict []byte
}

var _ api.Extension = (*Deflate)(nil)

// New builds the transform for the given role: a server compresses with the
// server_* parameters and inflates with the client_* ones.
func New(cfg Config) *Deflate {
	level := cfg.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	d := &Deflate{level: level}
	if cfg.Role == api.RoleServer {
		d.resetOutgoing = cfg.Params.ServerNoContextTakeover
		d.resetIncoming = cfg.Params.ClientNoContextTakeover
	} else {
		d.resetOutgoing = cfg.Params.ClientNoContextTakeover
		d.resetIncoming = cfg.Params.ServerNoContextTakeover
	}
	return d
}

// Name implements api.Extension.
func (d *Deflate) Name() string { return ExtensionName }

// Compress implements api.Extension. Calls with fin == false continue the
// same message.
func (d *Deflate) Compress(p []byte, fin bool) ([]byte, error) {
	d.out.Reset()
	if d.fw == nil {
		fw, err := flate.NewWriter(&d.out, d.level)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		d.fw = fw
	}
	if _, err := d.fw.Write(p); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := d.fw.Flush(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}

	data := d.out.Bytes()
	if fin {
		data = bytes.TrimSuffix(data, []byte(syncTail))
		if d.resetOutgoing {
			d.fw.Reset(&d.out)
		}
	}
	return append([]byte(nil), data...), nil
}

// Decompress implements api.Extension. A positive limit bounds the inflated
// size; exceeding it returns api.ErrMessageTooBig.
func (d *Deflate) Decompress(p []byte, limit int64) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(p), strings.NewReader(syncTail+finalBlock))
	if d.fr == nil {
		d.fr = flate.NewReaderDict(src, d.dict)
	} else if err := d.fr.(flate.Resetter).Reset(src, d.dict); err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}

	var r io.Reader = d.fr
	if limit > 0 {
		r = io.LimitReader(d.fr, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, api.ErrMessageTooBig
	}

	if d.resetIncoming {
		d.dict = d.dict[:0]
	} else {
		d.dict = appendWindow(d.dict, out)
	}
	return out, nil
}

// Close implements api.Extension.
func (d *Deflate) Close() error {
	var errs []error
	if d.fw != nil {
		errs = append(errs, d.fw.Close())
		d.fw = nil
	}
	if d.fr != nil {
		errs = append(errs, d.fr.Close())
		d.fr = nil
	}
	d.dict = nil
	return errors.Join(errs...)
}

// appendWindow keeps the last windowSize bytes of history.
func appendWindow(dict, out []byte) []byte {
	if len(out) >= windowSize {
		return append(dict[:0], out[len(out)-windowSize:]...)
	}
	if keep := windowSize - len(out); len(dict) > keep {
		dict = append(dict[:0], dict[len(dict)-keep:]...)
	}
	return append(dict, out...)
}
