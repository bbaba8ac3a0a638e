// Package proxy implements the accept loop and per-connection forwarding
// pipeline: select a backend, acquire a pooled connection, splice bytes
// both ways until both halves finish.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/connpool"
	"github.com/jonmest/flux/internal/fluxerr"
	"github.com/jonmest/flux/internal/metrics"
)

// Config bundles the proxy's tunables.
type Config struct {
	ListenAddr  string
	BufferSize  int
	IdleTimeout time.Duration
	MaxRetries  int
}

// Proxy owns the listener and wires the Backend Pool and Connection Pool
// together for each accepted connection.
type Proxy struct {
	cfg      Config
	backends *backend.Pool
	conns    *connpool.Pool
	logger   *zap.Logger
	metrics  *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Proxy. reg defaults to metrics.Default if nil.
func New(cfg Config, backends *backend.Pool, conns *connpool.Pool, logger *zap.Logger, reg *metrics.Registry) *Proxy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.Default
	}
	return &Proxy{cfg: cfg, backends: backends, conns: conns, logger: logger, metrics: reg}
}

// Run binds the listener and accepts connections until ctx is cancelled.
// On cancellation it stops accepting and waits (up to drainDeadline) for
// in-flight connections to finish before returning.
func (p *Proxy) Run(ctx context.Context, drainDeadline time.Duration) error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	p.listener = ln
	p.logger.Info("proxy listening", zap.String("addr", p.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			p.logger.Warn("accept error", zap.Error(err))
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		p.logger.Warn("drain deadline exceeded, proceeding with shutdown")
	}
	return nil
}

// handle runs the per-connection pipeline.
func (p *Proxy) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	connID := uuid.NewString()
	log := p.logger.With(zap.String("conn_id", connID), zap.String("remote", client.RemoteAddr().String()))
	p.metrics.ConnectionsAccepted.Add(1)

	back, addr, err := p.acquireBackend(ctx, log)
	if err != nil {
		p.metrics.ConnectionsRejected.Add(1)
		return
	}

	log = log.With(zap.String("backend", addr))
	reusable := p.splice(ctx, client, back, log)
	p.conns.Release(addr, back, reusable)
}

// acquireBackend selects a backend and acquires a pooled connection to
// it, retrying with a fresh selection up to MaxRetries times on dial
// failure.
func (p *Proxy) acquireBackend(ctx context.Context, log *zap.Logger) (net.Conn, string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		sel, ok := p.backends.Select()
		if !ok {
			log.Debug("no healthy backend available")
			return nil, "", fluxerr.ErrNoBackend
		}

		conn, err := p.conns.Acquire(ctx, sel.Addr)
		if err == nil {
			return conn, sel.Addr, nil
		}

		lastErr = err
		if errors.Is(err, fluxerr.ErrPoolExhausted) {
			p.metrics.PoolExhausted.Add(1)
			log.Warn("connection pool exhausted", zap.String("backend", sel.Addr))
			return nil, "", err
		}
		p.metrics.DialFailures.Add(1)
		log.Warn("dial failed, retrying with fresh selection", zap.String("backend", sel.Addr), zap.Error(err))
	}
	return nil, "", fluxerr.BackendUnavailable("", lastErr)
}

// splice runs the bidirectional byte pump: two independent copies, one per
// direction. Each direction half-closes its own destination the moment its
// own copy drains (the source side reached EOF), not the other direction's
// destination — a client that finishes sending its request and calls
// CloseWrite must not cut off the backend's still-incoming response.
// idleTimeout is measured from the last successful read or write on either
// direction, not from when splice started, so an actively-flowing long-lived
// connection is never killed out from under it. Mirrors a
// handleConn/proxyOneWay shape.
func (p *Proxy) splice(ctx context.Context, client net.Conn, back net.Conn, log *zap.Logger) (reusable bool) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	errc := make(chan error, 2)

	pump := func(dst, src net.Conn) {
		buf := make([]byte, p.cfg.BufferSize)
		err := copyTracked(dst, src, buf, &lastActivity)
		halfClose(dst)
		errc <- err
	}

	go pump(back, client)
	go pump(client, back)

	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	var forceErr error
	done := 0
	results := make([]error, 0, 2)
waitLoop:
	for done < 2 {
		select {
		case err := <-errc:
			done++
			results = append(results, err)
		case <-ctx.Done():
			forceErr = ctx.Err()
			break waitLoop
		case <-timer.C:
			idleFor := time.Since(time.Unix(0, lastActivity.Load()))
			if idleFor >= p.cfg.IdleTimeout {
				forceErr = fluxerr.Timeout("proxy idle timeout", nil)
				break waitLoop
			}
			timer.Reset(p.cfg.IdleTimeout - idleFor)
		}
	}

	if forceErr != nil {
		_ = client.Close()
		_ = back.Close()
		for ; done < 2; done++ {
			results = append(results, <-errc)
		}
		log.Debug("connection closed", zap.Error(forceErr))
		return false
	}

	for _, err := range results {
		if err != nil && err != io.EOF {
			log.Debug("connection closed with error", zap.Error(err))
			return false
		}
	}
	return true
}

// copyTracked is io.CopyBuffer's read/write loop with a hook: every
// successful chunk bumps activity, so splice's idle timer can tell a
// connection that is merely slow from one that has gone silent.
func copyTracked(dst io.Writer, src io.Reader, buf []byte, activity *atomic.Int64) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			activity.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func halfClose(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
