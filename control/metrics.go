// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Process-wide counters fed by every connection through api.Metrics.

package control

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/wsstream/api"
)

// MetricsRegistry aggregates traffic and lifecycle counters. It is safe for
// concurrent use by many connections.
type MetricsRegistry struct {
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	opened      atomic.Uint64
	closed      atomic.Uint64
	active      atomic.Int64

	mu          sync.Mutex
	protoErrors map[api.ErrorCode]uint64
	closeCodes  map[uint16]uint64
	updated     time.Time
}

var _ api.Metrics = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		protoErrors: make(map[api.ErrorCode]uint64),
		closeCodes:  make(map[uint16]uint64),
	}
}

// ConnectionOpened counts an accepted connection.
func (mr *MetricsRegistry) ConnectionOpened() {
	mr.opened.Add(1)
	mr.active.Add(1)
}

func (mr *MetricsRegistry) MessageReceived(_ byte, n int) {
	mr.messagesIn.Add(1)
	mr.bytesIn.Add(uint64(n))
}

func (mr *MetricsRegistry) MessageSent(_ byte, n int) {
	mr.messagesOut.Add(1)
	mr.bytesOut.Add(uint64(n))
}

func (mr *MetricsRegistry) ProtocolError(code api.ErrorCode) {
	mr.mu.Lock()
	mr.protoErrors[code]++
	mr.updated = time.Now()
	mr.mu.Unlock()
}

func (mr *MetricsRegistry) ConnectionClosed(code uint16) {
	mr.closed.Add(1)
	mr.active.Add(-1)
	mr.mu.Lock()
	mr.closeCodes[code]++
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns the current counters keyed by metric name.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	out := map[string]any{
		"messages_in":        mr.messagesIn.Load(),
		"messages_out":       mr.messagesOut.Load(),
		"bytes_in":           mr.bytesIn.Load(),
		"bytes_out":          mr.bytesOut.Load(),
		"connections_opened": mr.opened.Load(),
		"connections_closed": mr.closed.Load(),
		"connections_active": mr.active.Load(),
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for code, n := range mr.protoErrors {
		out["protocol_errors."+code.String()] = n
	}
	for code, n := range mr.closeCodes {
		out[fmt.Sprintf("close_codes.%d", code)] = n
	}
	if !mr.updated.IsZero() {
		out["updated"] = mr.updated
	}
	return out
}
