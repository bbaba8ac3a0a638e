// Package connpool implements an outbound connection pool: per-backend
// LIFO stacks of idle TCP connections, bounded by per-backend and total
// caps, reaped on an idle TTL. Connections are popped LIFO so the most
// recently used socket is reused first, with a liveness probe guarding
// against handing back a connection the peer already closed.
package connpool

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/fluxerr"
	"github.com/jonmest/flux/internal/metrics"
	"github.com/jonmest/flux/internal/netutil"
)

// pooledConn wraps a net.Conn with the bookkeeping timestamps the
// acquisition policy needs.
type pooledConn struct {
	net.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// CloseWrite forwards to the underlying connection's half-close when it
// supports one, so the proxy's bidirectional splice can half-close a
// pooled backend connection the same way it would a raw *net.TCPConn.
func (pc *pooledConn) CloseWrite() error {
	if cw, ok := pc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return pc.Conn.Close()
}

// perBackend is one backend's idle stack plus its live-connection count.
// live counts both idle and currently-checked-out connections for this
// backend.
type perBackend struct {
	mu   sync.Mutex
	idle []*pooledConn
	live int
}

// Pool is a connection pool keyed by backend address: acquire,
// release, evict_for, bounded by max_per_backend and max_total, reaped
// every reap_interval.
type Pool struct {
	maxPerBackend int
	maxTotal      int
	idleTTL       time.Duration
	dialTimeout   time.Duration

	logger *zap.Logger
	metrics *metrics.Registry

	mu       sync.Mutex // guards backends map and totalLive
	backends map[string]*perBackend
	totalLive int
}

// Config bundles the Pool's caps and timing, mirroring config.Pool.
type Config struct {
	MaxPerBackend int
	MaxTotal      int
	IdleTTL       time.Duration
	DialTimeout   time.Duration
}

// New constructs an empty Pool.
func New(cfg Config, logger *zap.Logger, reg *metrics.Registry) *Pool {
	if reg == nil {
		reg = metrics.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		maxPerBackend: cfg.MaxPerBackend,
		maxTotal:      cfg.MaxTotal,
		idleTTL:       cfg.IdleTTL,
		dialTimeout:   cfg.DialTimeout,
		logger:        logger,
		metrics:       reg,
		backends:      make(map[string]*perBackend),
	}
}

func (p *Pool) backendFor(addr string) *perBackend {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[addr]
	if !ok {
		b = &perBackend{}
		p.backends[addr] = b
	}
	return b
}

// Acquire returns a reusable connection to addr if one passes the
// liveness checks, or dials a new one subject to the per-backend and
// total caps. Pop LIFO, drop expired and dead entries,
// then either return a survivor or dial fresh.
func (p *Pool) Acquire(ctx context.Context, addr string) (net.Conn, error) {
	b := p.backendFor(addr)

	for {
		b.mu.Lock()
		if len(b.idle) == 0 {
			b.mu.Unlock()
			break
		}
		pc := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		b.mu.Unlock()

		if time.Since(pc.lastUsed) > p.idleTTL {
			_ = pc.Close()
			p.decrLive(addr, b)
			continue
		}

		alive, probeErr := netutil.IsPeerClosed(pc.Conn)
		if probeErr != nil || !alive {
			if probeErr != nil {
				p.logger.Debug("pooled connection probe failed", zap.String("addr", addr), zap.Error(fluxerr.ProbeFailed(addr, probeErr)))
			}
			_ = pc.Close()
			p.decrLive(addr, b)
			continue
		}

		pc.lastUsed = time.Now()
		return pc, nil
	}

	// No idle survivor: reserve a slot under lock before dialing, so
	// concurrent Acquire calls for the same backend can't all pass the
	// cap check and all dial. Roll back the reservation on dial failure.
	if !p.reserveSlot(b) {
		return nil, fluxerr.ErrPoolExhausted
	}

	dialer := &net.Dialer{Timeout: p.dialTimeout, Control: netutil.TuneOutbound}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.decrLive(addr, b)
		return nil, fluxerr.DialFailed(addr, err)
	}

	return &pooledConn{Conn: conn, createdAt: time.Now(), lastUsed: time.Now()}, nil
}

// reserveSlot atomically checks and increments both the per-backend and
// total live-connection counts, so the cap check and the increment never
// race against another Acquire. Lock order (b.mu then p.mu) matches
// decrLive's, avoiding deadlock.
func (p *Pool) reserveSlot(b *perBackend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live >= p.maxPerBackend {
		return false
	}
	p.mu.Lock()
	if p.totalLive >= p.maxTotal {
		p.mu.Unlock()
		return false
	}
	p.totalLive++
	p.mu.Unlock()
	b.live++
	return true
}

func (p *Pool) decrLive(addr string, b *perBackend) {
	b.mu.Lock()
	if b.live > 0 {
		b.live--
	}
	b.mu.Unlock()
	p.mu.Lock()
	if p.totalLive > 0 {
		p.totalLive--
	}
	p.mu.Unlock()
}

// Release offers a connection back to the pool. If reusable is false, or
// caps are exceeded, the connection is closed and its live slot freed.
func (p *Pool) Release(addr string, conn net.Conn, reusable bool) {
	b := p.backendFor(addr)

	if !reusable {
		_ = conn.Close()
		p.decrLive(addr, b)
		return
	}

	pc, ok := conn.(*pooledConn)
	if !ok {
		pc = &pooledConn{Conn: conn, createdAt: time.Now()}
	}
	pc.lastUsed = time.Now()

	b.mu.Lock()
	if len(b.idle) >= p.maxPerBackend {
		b.mu.Unlock()
		_ = pc.Close()
		p.decrLive(addr, b)
		return
	}
	b.idle = append(b.idle, pc)
	b.mu.Unlock()
}

// EvictFor drops every pooled entry for addr. Invoked when the backend
// transitions away from (or back to) Healthy: stale
// sockets from a dead backend, or dead sockets accumulated while it was
// down, are never worth keeping.
func (p *Pool) EvictFor(addr string) {
	b := p.backendFor(addr)

	b.mu.Lock()
	dropped := b.idle
	b.idle = nil
	b.mu.Unlock()

	for _, pc := range dropped {
		_ = pc.Close()
		p.decrLive(addr, b)
	}
	if len(dropped) > 0 {
		p.metrics.BackendEvictions.Add(int64(len(dropped)))
		p.logger.Debug("evicted pooled connections", zap.String("addr", addr), zap.Int("count", len(dropped)))
	}
}

// Reap walks every backend's idle stack and drops entries older than the
// idle TTL. Intended to run on a reap_interval ticker; acquisition
// already performs the same check lazily, so Reap exists to reclaim
// capacity from backends nobody is currently acquiring against.
func (p *Pool) Reap() {
	p.mu.Lock()
	addrs := make([]string, 0, len(p.backends))
	for addr := range p.backends {
		addrs = append(addrs, addr)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, addr := range addrs {
		b := p.backendFor(addr)
		b.mu.Lock()
		kept := b.idle[:0]
		var expired []*pooledConn
		for _, pc := range b.idle {
			if now.Sub(pc.lastUsed) > p.idleTTL {
				expired = append(expired, pc)
			} else {
				kept = append(kept, pc)
			}
		}
		b.idle = kept
		b.mu.Unlock()

		for _, pc := range expired {
			_ = pc.Close()
			p.decrLive(addr, b)
		}
	}
}

// RunReaper starts the background idle-connection maintenance task,
// stopping when ctx is cancelled.
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Reap()
		}
	}
}

// TotalLive returns the current count of live connections across every
// backend (idle + checked-out), for tests and metrics.
func (p *Pool) TotalLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLive
}

// PerBackendLive returns the live count for one backend.
func (p *Pool) PerBackendLive(addr string) int {
	b := p.backendFor(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}
