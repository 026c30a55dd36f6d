// File: stream/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stream

import (
	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/protocol"
)

// DefaultHighWaterMark is the default readable and writable buffer limit in bytes.
const DefaultHighWaterMark = 16 << 10

// Config tunes an Adapter. Start from DefaultConfig: the zero value disables
// AutoPong and AllowHalfOpen.
type Config struct {
	Role api.Role

	// ReadableHighWaterMark is the number of undelivered inbound bytes above
	// which the transport is paused.
	ReadableHighWaterMark int
	// WritableHighWaterMark bounds writes queued while CONNECTING before
	// Write starts reporting false.
	WritableHighWaterMark int

	// WriteText sends Write payloads as text messages instead of binary.
	WriteText bool
	// Compress runs outgoing messages through Extension when one is set.
	Compress bool
	// AutoPong answers every ping with a pong carrying the same payload.
	AutoPong bool
	// AllowHalfOpen keeps the writable side open after the readable side
	// ended; when false End is called automatically.
	AllowHalfOpen bool

	MaxPayload         int64
	FragmentSize       int
	DrainThreshold     int
	SkipUTF8Validation bool
	Extension          api.Extension

	// ID labels the connection in logs; a random UUID when empty.
	ID      string
	Logger  *zap.Logger
	Metrics api.Metrics
	// UnhandledErrorHook receives errors nobody listens for. The default
	// panics with *UnhandledError.
	UnhandledErrorHook func(error)
}

// DefaultConfig returns the configuration used by NewAdapter callers that
// have no specific needs.
func DefaultConfig(role api.Role) Config {
	return Config{
		Role:                  role,
		ReadableHighWaterMark: DefaultHighWaterMark,
		WritableHighWaterMark: DefaultHighWaterMark,
		AutoPong:              true,
		AllowHalfOpen:         true,
		MaxPayload:            protocol.DefaultMaxPayload,
		DrainThreshold:        protocol.DefaultDrainThreshold,
	}
}

func (c *Config) applyDefaults() {
	if c.ReadableHighWaterMark <= 0 {
		c.ReadableHighWaterMark = DefaultHighWaterMark
	}
	if c.WritableHighWaterMark <= 0 {
		c.WritableHighWaterMark = DefaultHighWaterMark
	}
	if c.DrainThreshold <= 0 {
		c.DrainThreshold = protocol.DefaultDrainThreshold
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = api.NoopMetrics{}
	}
	if c.UnhandledErrorHook == nil {
		c.UnhandledErrorHook = panicHook
	}
}

func panicHook(err error) { panic(err) }
