// Package metrics is a small in-process counters/gauges registry. Flux
// has no scrape endpoint, so this exposes a Snapshot for operators and
// tests to read directly.
package metrics

import "sync/atomic"

// Registry holds every counter Flux's subsystems bump. The zero value is
// ready to use; all fields are safe for concurrent access.
type Registry struct {
	ConnectionsAccepted  atomic.Int64
	ConnectionsRejected  atomic.Int64
	PoolExhausted        atomic.Int64
	DialFailures         atomic.Int64
	HealthChecksOK       atomic.Int64
	HealthChecksFailed   atomic.Int64
	GossipSent           atomic.Int64
	GossipReceived       atomic.Int64
	GossipDecodeErrors   atomic.Int64
	MemberTransitions    atomic.Int64
	BackendEvictions     atomic.Int64
}

// Default is the process-wide registry. Subsystems that aren't handed a
// *Registry explicitly (background helpers, tests) fall back to it.
var Default = &Registry{}

// Snapshot is a point-in-time copy suitable for logging or assertions.
type Snapshot struct {
	ConnectionsAccepted int64
	ConnectionsRejected int64
	PoolExhausted       int64
	DialFailures        int64
	HealthChecksOK      int64
	HealthChecksFailed  int64
	GossipSent          int64
	GossipReceived      int64
	GossipDecodeErrors  int64
	MemberTransitions   int64
	BackendEvictions    int64
}

// Snapshot copies every counter's current value.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsAccepted: r.ConnectionsAccepted.Load(),
		ConnectionsRejected: r.ConnectionsRejected.Load(),
		PoolExhausted:       r.PoolExhausted.Load(),
		DialFailures:        r.DialFailures.Load(),
		HealthChecksOK:      r.HealthChecksOK.Load(),
		HealthChecksFailed:  r.HealthChecksFailed.Load(),
		GossipSent:          r.GossipSent.Load(),
		GossipReceived:      r.GossipReceived.Load(),
		GossipDecodeErrors:  r.GossipDecodeErrors.Load(),
		MemberTransitions:   r.MemberTransitions.Load(),
		BackendEvictions:    r.BackendEvictions.Load(),
	}
}
