// Command flux runs a single Flux load-balancer instance: it loads
// config.toml (or the path given as the sole positional argument),
// wires up the backend pool, connection pool, gossip layer, health
// checker and proxy, joins the gossip cluster, and serves traffic until
// an interrupt signal asks it to drain and exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jonmest/flux/internal/backend"
	"github.com/jonmest/flux/internal/config"
	"github.com/jonmest/flux/internal/connpool"
	"github.com/jonmest/flux/internal/gossip"
	"github.com/jonmest/flux/internal/health"
	"github.com/jonmest/flux/internal/logging"
	"github.com/jonmest/flux/internal/member"
	"github.com/jonmest/flux/internal/metrics"
	"github.com/jonmest/flux/internal/proxy"
)

const drainDeadline = 30 * time.Second

func main() {
	_ = godotenv.Load()

	path := "config.toml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flux: config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("flux exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	reg := metrics.Default

	backendCfgs := make([]backend.Backend, len(cfg.Backends))
	for i, b := range cfg.Backends {
		backendCfgs[i] = backend.Backend{Addr: b.Addr, Weight: b.Weight}
	}
	pool := backend.New(backendCfgs)

	conns := connpool.New(connpool.Config{
		MaxPerBackend: cfg.Pool.MaxPerBackend,
		MaxTotal:      cfg.Pool.MaxTotal,
		IdleTTL:       cfg.IdleTTL(),
		DialTimeout:   2 * time.Second,
	}, logger.Named("connpool"), reg)

	pool.SetOnTransition(func(addr string, old, new backend.Status) {
		logger.Info("backend status changed", zap.String("addr", addr), zap.String("from", old.String()), zap.String("to", new.String()))
		conns.EvictFor(addr)
	})

	localID := member.NewID(cfg.Gossip.BindAddr)
	members := member.New(localID, cfg.SuspectTimeout(), logger.Named("member"))

	gossipLayer, err := gossip.New(gossip.Config{
		BindAddr:           cfg.Gossip.BindAddr,
		GossipInterval:     cfg.GossipInterval(),
		PingTimeout:        cfg.PingTimeout(),
		IndirectTimeout:    cfg.IndirectTimeout(),
		SuspectTimeout:     cfg.SuspectTimeout(),
		IndirectProbeCount: cfg.Gossip.IndirectProbeCount,
		Fanout:             cfg.Gossip.Fanout,
		StaleAfter:         gossip.StaleAfter,
	}, members, pool, logger.Named("gossip"), reg)
	if err != nil {
		return fmt.Errorf("starting gossip layer: %w", err)
	}
	defer gossipLayer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go gossipLayer.Run(ctx)
	joinWithBackoff(ctx, gossipLayer, cfg.Gossip.SeedNodes, logger)

	if cfg.HealthCheck.Disabled {
		logger.Info("active health checking disabled by config")
	} else {
		checker := health.New(pool, cfg.CheckInterval(), cfg.CheckTimeout(), logger.Named("health"), reg)
		go checker.Run(ctx)
	}

	go conns.RunReaper(ctx, cfg.ReapInterval())

	px := proxy.New(proxy.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		IdleTimeout: 5 * time.Minute,
		MaxRetries:  1,
	}, pool, conns, logger.Named("proxy"), reg)

	logger.Info("flux starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Int("backends", len(cfg.Backends)),
		zap.String("gossip_bind_addr", cfg.Gossip.BindAddr))

	return px.Run(ctx, drainDeadline)
}

// joinWithBackoff retries a failed seed join with exponential backoff.
// If every seed fails persistently the node proceeds knowing only
// itself.
func joinWithBackoff(ctx context.Context, layer *gossip.Layer, seeds []string, logger *zap.Logger) {
	if len(seeds) == 0 {
		return
	}

	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	const maxAttempts = 5

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		layer.Join(ctx, seeds)
		if len(layer.Members().Members()) > 1 {
			return
		}
		if attempt == maxAttempts {
			logger.Warn("seed join attempts exhausted, continuing with local view only")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
