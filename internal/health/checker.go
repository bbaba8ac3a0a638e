// Package health implements an active health checker: a periodic TCP
// dial probe engine that updates the backend pool directly on each
// result, with no consecutive-failure hysteresis.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/metrics"
)

// Checker probes every configured backend on a fixed interval and writes
// the result into the Backend Pool.
type Checker struct {
	pool     *backend.Pool
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Registry

	inFlight sync.Map // addr -> struct{}, skips a tick that catches a probe still running
}

// New constructs a Checker. reg defaults to metrics.Default if nil.
func New(pool *backend.Pool, interval, timeout time.Duration, logger *zap.Logger, reg *metrics.Registry) *Checker {
	if reg == nil {
		reg = metrics.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{pool: pool, interval: interval, timeout: timeout, logger: logger, metrics: reg}
}

// Run ticks every interval, launching one concurrent probe per backend,
// until ctx is cancelled. Probe errors never stop the loop.
func (c *Checker) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	for _, addr := range c.pool.Addrs() {
		addr := addr
		if _, busy := c.inFlight.LoadOrStore(addr, struct{}{}); busy {
			continue
		}
		go func() {
			defer c.inFlight.Delete(addr)
			c.probe(ctx, addr)
		}()
	}
}

func (c *Checker) probe(ctx context.Context, addr string) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "tcp", addr)
	healthy := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if !healthy && ctx.Err() != nil {
		// The checker itself is shutting down; that says nothing about the
		// backend, so leave its status as it is.
		return
	}

	if healthy {
		c.metrics.HealthChecksOK.Add(1)
	} else {
		c.metrics.HealthChecksFailed.Add(1)
	}

	newStatus := backend.Unhealthy
	if healthy {
		newStatus = backend.Healthy
	}

	changed := c.pool.SetStatus(addr, newStatus)
	if changed {
		if healthy {
			c.logger.Info("backend recovered", zap.String("addr", addr))
		} else {
			c.logger.Warn("backend down", zap.String("addr", addr), zap.Error(err))
		}
	}
}
