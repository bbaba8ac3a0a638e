// Package backend implements the Backend Pool: the set of configured
// upstreams, their health status, and weighted round-robin selection over
// the Healthy subset.
package backend

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is a backend's health as tracked by the pool.
type Status int

const (
	Unknown Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Backend is one configured upstream. Backends are created at startup
// from configuration and never destroyed at runtime; only status mutates.
type Backend struct {
	Addr   string
	Weight int

	status Status
}

// Snapshot is a point-in-time, immutable copy of one backend's state.
type Snapshot struct {
	Addr   string
	Weight int
	Status Status
}

// TransitionFunc is invoked whenever a backend's status actually changes.
// It runs outside the pool's lock, so it's safe to call back into other
// subsystems (e.g. the Connection Pool's evict_for) from it.
type TransitionFunc func(addr string, old, new Status)

// Pool holds every configured backend behind a read-mostly RWMutex, plus
// the monotonically increasing cursor used for weighted round robin.
//
// The Healthy slot table is rebuilt lazily: selection recomputes it under
// the read lock's data (via a cached, versioned table) whenever the shape
// of the Healthy set has changed since it was last built, so an unhealthy
// backend is never returned even under a concurrent status flip, while a
// stable Healthy set costs no extra work per selection.
type Pool struct {
	mu      sync.RWMutex
	backends []*Backend
	// lastLocalCheck[addr] is used by ApplyRemoteStatuses to decide
	// whether a fresh local decision should override a gossiped one.
	lastLocalCheck map[string]int64 // unix nanos; 0 = never checked locally

	cursor atomic.Uint64

	slotsMu sync.Mutex // guards the cached slot table, separate from mu
	slotSig string     // signature of the Healthy set the cached table was built from
	slots   []int      // indices into the Healthy subset, one per weight-slot

	onTransition TransitionFunc
}

// New constructs a Pool from the given backends, in configuration order
// (selection ties are broken by this order). Every backend starts Unknown
// until the Health Checker runs its first probe.
func New(backends []Backend) *Pool {
	p := &Pool{
		backends:       make([]*Backend, len(backends)),
		lastLocalCheck: make(map[string]int64, len(backends)),
	}
	for i := range backends {
		b := backends[i]
		p.backends[i] = &Backend{Addr: b.Addr, Weight: b.Weight, status: Unknown}
	}
	return p
}

// SetOnTransition installs the callback fired on every real status
// change. Must be called before the pool is used concurrently.
func (p *Pool) SetOnTransition(fn TransitionFunc) {
	p.mu.Lock()
	p.onTransition = fn
	p.mu.Unlock()
}

// Select returns one backend from the Healthy subset via weighted round
// robin, or ok=false if that subset is empty. Only the read lock is held,
// and only long enough to copy out the minimal data needed.
func (p *Pool) Select() (Snapshot, bool) {
	p.mu.RLock()
	healthy := make([]*Backend, 0, len(p.backends))
	sig := make([]byte, 0, len(p.backends))
	for _, b := range p.backends {
		if b.status == Healthy {
			healthy = append(healthy, b)
			sig = append(sig, byte('h'))
		} else {
			sig = append(sig, byte('-'))
		}
	}
	p.mu.RUnlock()

	if len(healthy) == 0 {
		return Snapshot{}, false
	}

	slots := p.slotsFor(string(sig), healthy)
	if len(slots) == 0 {
		return Snapshot{}, false
	}

	c := p.cursor.Add(1) - 1
	idx := slots[int(c%uint64(len(slots)))]
	b := healthy[idx]
	return Snapshot{Addr: b.Addr, Weight: b.Weight, Status: Healthy}, true
}

// slotsFor returns the cached weighted-slot table for the given Healthy
// set, rebuilding it only when the set's shape (sig) has changed. sig
// encodes which configuration-order positions are currently Healthy, so
// the table is stable for a given Healthy set.
func (p *Pool) slotsFor(sig string, healthy []*Backend) []int {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()

	if sig == p.slotSig && p.slots != nil {
		return p.slots
	}

	slots := make([]int, 0, len(healthy)*2)
	for i, b := range healthy {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		for j := 0; j < w; j++ {
			slots = append(slots, i)
		}
	}
	p.slotSig = sig
	p.slots = slots
	return slots
}

// SetStatus updates a single backend's status as a local decision (from
// the Health Checker). No-op if addr is unknown. Returns whether the
// status actually changed.
func (p *Pool) SetStatus(addr string, status Status) bool {
	return p.setStatus(addr, status, true)
}

// setStatusRemote applies a status without marking it as a fresh local
// observation; used by ApplyRemoteStatuses.
func (p *Pool) setStatusRemote(addr string, status Status) bool {
	return p.setStatus(addr, status, false)
}

func (p *Pool) setStatus(addr string, status Status, local bool) bool {
	p.mu.Lock()
	var (
		b       *Backend
		old     Status
		changed bool
	)
	for _, cand := range p.backends {
		if cand.Addr == addr {
			b = cand
			break
		}
	}
	if b == nil {
		p.mu.Unlock()
		return false
	}
	old = b.status
	if old != status {
		b.status = status
		changed = true
	}
	if local {
		p.lastLocalCheck[addr] = time.Now().UnixNano()
	}
	fn := p.onTransition
	p.mu.Unlock()

	if changed && fn != nil {
		fn(addr, old, status)
	}
	return changed
}

// Snapshot returns a point-in-time copy of every backend and its status,
// used by the Gossip Layer's dissemination.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, len(p.backends))
	for i, b := range p.backends {
		out[i] = Snapshot{Addr: b.Addr, Weight: b.Weight, Status: b.status}
	}
	return out
}

// ApplyRemoteStatuses merges a peer-sourced addr -> Status map. Local
// probes are authoritative: if the local Health Checker has produced a
// decision within staleAfter, the local status wins and the remote hint
// is ignored; otherwise the remote status is adopted when it differs.
func (p *Pool) ApplyRemoteStatuses(remote map[string]Status, staleAfterNanos int64) {
	now := time.Now().UnixNano()
	for addr, status := range remote {
		p.mu.RLock()
		lastLocal, known := p.lastLocalCheck[addr]
		p.mu.RUnlock()
		if !known {
			// never locally checked: treat as fresh a long time ago.
			lastLocal = 0
		}
		fresh := lastLocal != 0 && now-lastLocal < staleAfterNanos
		if fresh {
			continue
		}
		p.setStatusRemote(addr, status)
	}
}

// StatusOf returns the current status of addr, or Unknown with ok=false
// if addr is not configured.
func (p *Pool) StatusOf(addr string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.backends {
		if b.Addr == addr {
			return b.status, true
		}
	}
	return Unknown, false
}

// Addrs returns every configured backend address, in configuration order.
func (p *Pool) Addrs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.backends))
	for i, b := range p.backends {
		out[i] = b.Addr
	}
	return out
}
