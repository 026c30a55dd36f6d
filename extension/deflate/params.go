// File: extension/deflate/params.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// permessage-deflate parameter negotiation (RFC 7692 §7.1).

package deflate

import (
	"fmt"
	"strings"
)

// ExtensionName is the registered extension token.
const ExtensionName = "permessage-deflate"

// maxWindowBits is the only window size the codec supports.
const maxWindowBits = "15"

// Params are the negotiated permessage-deflate parameters.
type Params struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

// String renders p as a Sec-WebSocket-Extensions element.
func (p Params) String() string {
	var b strings.Builder
	b.WriteString(ExtensionName)
	if p.ServerNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}
	if p.ClientNoContextTakeover {
		b.WriteString("; client_no_context_takeover")
	}
	return b.String()
}

// Offer renders the client offer for p.
func (p Params) Offer() string {
	return p.String() + "; client_max_window_bits"
}

// ParseOffer picks the first acceptable permessage-deflate offer out of the
// client's Sec-WebSocket-Extensions header values.
func ParseOffer(header []string) (Params, bool) {
	for _, offer := range splitElements(header) {
		name, params := offer[0], offer[1:]
		if name != ExtensionName {
			continue
		}
		if p, err := parseParams(params, false); err == nil {
			return p, true
		}
	}
	return Params{}, false
}

// ParseResponse validates the server's Sec-WebSocket-Extensions response.
// It reports false when the server declined the extension.
func ParseResponse(header []string) (Params, bool, error) {
	elems := splitElements(header)
	if len(elems) == 0 {
		return Params{}, false, nil
	}
	if len(elems) > 1 || elems[0][0] != ExtensionName {
		return Params{}, false, fmt.Errorf("deflate: unexpected extensions %q", strings.Join(header, ", "))
	}
	p, err := parseParams(elems[0][1:], true)
	if err != nil {
		return Params{}, false, err
	}
	return p, true, nil
}

func parseParams(params []string, response bool) (Params, error) {
	var p Params
	seen := make(map[string]bool, len(params))
	for _, param := range params {
		key, value, hasValue := strings.Cut(param, "=")
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if seen[key] {
			return p, fmt.Errorf("deflate: duplicate parameter %q", key)
		}
		seen[key] = true

		switch key {
		case "server_no_context_takeover":
			if hasValue {
				return p, fmt.Errorf("deflate: %s takes no value", key)
			}
			p.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			if hasValue {
				return p, fmt.Errorf("deflate: %s takes no value", key)
			}
			p.ClientNoContextTakeover = true
		case "server_max_window_bits":
			if value != maxWindowBits {
				return p, fmt.Errorf("deflate: unsupported %s=%s", key, value)
			}
		case "client_max_window_bits":
			// a client hint without a value only says the client could honour one
			if response && value != maxWindowBits {
				return p, fmt.Errorf("deflate: unsupported %s=%s", key, value)
			}
			if hasValue && !validWindowBits(value) {
				return p, fmt.Errorf("deflate: invalid %s=%s", key, value)
			}
		default:
			return p, fmt.Errorf("deflate: unknown parameter %q", key)
		}
	}
	return p, nil
}

func validWindowBits(v string) bool {
	switch v {
	case "8", "9", "10", "11", "12", "13", "14", "15":
		return true
	}
	return false
}

// splitElements turns header values into [name, param...] lists.
func splitElements(header []string) [][]string {
	var out [][]string
	for _, h := range header {
		for _, elem := range strings.Split(h, ",") {
			var parts []string
			for i, part := range strings.Split(elem, ";") {
				part = strings.TrimSpace(part)
				if part == "" && i > 0 {
					continue
				}
				parts = append(parts, part)
			}
			if parts[0] == "" {
				continue
			}
			out = append(out, parts)
		}
	}
	return out
}
